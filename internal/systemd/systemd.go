// Package systemd bridges the driver to the in-guest service manager,
// wrapping systemctl queries and parsing their KEY=VALUE output.
package systemd

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Executor runs a command in the guest shell and reports its exit status
// and combined output. *shellrpc.Channel satisfies this.
type Executor interface {
	Execute(command string) (status int, output string, err error)
}

var lineKV = regexp.MustCompile(`^([^=]+)=(.*)$`)

// Query runs systemctl with q as its arguments, scoping to user's session
// when non-empty.
func Query(exec Executor, q string, user string) (status int, output string, err error) {
	if user != "" {
		escaped := strings.ReplaceAll(q, "'", "\\'")
		command := fmt.Sprintf(
			"su -l %s --shell /bin/sh -c $'XDG_RUNTIME_DIR=/run/user/`id -u` systemctl --user %s'",
			user, escaped,
		)
		return exec.Execute(command)
	}
	return exec.Execute("systemctl " + q)
}

// UnitInfo returns the parsed `systemctl show <unit>` output as a mapping
// from the first "=" of each well-formed line; malformed lines are skipped.
func UnitInfo(exec Executor, unit, user string) (map[string]string, error) {
	status, out, err := Query(exec, fmt.Sprintf("--no-pager show %q", unit), user)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		scope := ""
		if user != "" {
			scope = fmt.Sprintf(" under user %q", user)
		}
		return nil, errors.Errorf(
			"retrieving systemctl info for unit %q%s failed with exit code %d", unit, scope, status)
	}

	info := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		m := lineKV.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		info[m[1]] = m[2]
	}
	return info, nil
}

// UnitFailedError reports a unit reaching the "failed" state.
type UnitFailedError struct {
	Unit string
}

func (e *UnitFailedError) Error() string {
	return fmt.Sprintf("unit %q reached state \"failed\"", e.Unit)
}

// UnitInactiveError reports a unit that is permanently inactive with no
// pending jobs.
type UnitInactiveError struct {
	Unit string
}

func (e *UnitInactiveError) Error() string {
	return fmt.Sprintf("unit %q is inactive and there are no pending jobs", e.Unit)
}

// RequireUnitState asserts the unit's current state equals want without
// retrying.
func RequireUnitState(exec Executor, unit, want, user string) error {
	info, err := UnitInfo(exec, unit, user)
	if err != nil {
		return err
	}
	state := info["ActiveState"]
	if state != want {
		return errors.Errorf(
			"expected unit %q to be in state %q but it is in state %q", unit, want, state)
	}
	return nil
}

// StartJob / StopJob are thin wrappers over Query for starting and
// stopping a named unit.
func StartJob(exec Executor, jobname, user string) (int, string, error) {
	return Query(exec, "start "+jobname, user)
}

func StopJob(exec Executor, jobname, user string) (int, string, error) {
	return Query(exec, "stop "+jobname, user)
}
