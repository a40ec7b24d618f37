// Package retry implements the bounded-time polling primitive that every
// wait_* operation in this driver composes over: a fixed 1-second cadence,
// no backoff, so that test wall-clock time stays reproducible.
package retry

import (
	"time"

	"github.com/pkg/errors"
)

// DefaultBudget is 900 attempts at 1-second spacing, i.e. 15 minutes.
const DefaultBudget = 900

// DefaultInterval is the fixed cadence between attempts.
const DefaultInterval = time.Second

// TimeoutError is returned when a Budget is exhausted without the predicate
// ever reporting success.
type TimeoutError struct {
	Attempts int
}

func (e *TimeoutError) Error() string {
	return "action timed out"
}

// Predicate is called once per attempt. last is true only on the final
// attempt, so implementations can log extra diagnostics before giving up.
type Predicate func(last bool) (bool, error)

// Budget bounds a retry loop's attempt count and spacing. The zero value is
// not usable; use New.
type Budget struct {
	attempts int
	interval time.Duration
}

// New returns a Budget of attempts spaced by interval.
func New(attempts int, interval time.Duration) Budget {
	return Budget{attempts: attempts, interval: interval}
}

// Default returns the spec's hardcoded 900-attempt, 1-second budget.
func Default() Budget {
	return New(DefaultBudget, DefaultInterval)
}

// Do invokes fn repeatedly until it returns true, the budget is exhausted,
// or fn itself returns an error (which aborts immediately, e.g. for
// permanent failures like a systemd unit reaching "failed").
//
// On exhaustion, fn is invoked exactly one more time with last=true so
// callers can log what the final observed state was, then a *TimeoutError
// is returned.
func (b Budget) Do(fn Predicate) error {
	for i := 0; i < b.attempts; i++ {
		ok, err := fn(false)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		time.Sleep(b.interval)
	}

	ok, err := fn(true)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return errors.WithStack(&TimeoutError{Attempts: b.attempts})
}

// Do runs fn against the default 900-attempt budget.
func Do(fn Predicate) error {
	return Default().Do(fn)
}
