// Package probe implements the high-level wait_* operations that compose
// the retry primitive over a machine's shell, monitor, and console queue.
package probe

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nixos/vmtest-driver/internal/retry"
	"github.com/nixos/vmtest-driver/internal/systemd"
	"github.com/sirupsen/logrus"
)

// Shell is the subset of shellrpc.Channel the probes need.
type Shell interface {
	Execute(command string) (status int, output string, err error)
}

// Monitor is the subset of qmonitor.Channel the probes need.
type Monitor interface {
	Command(command string) (string, error)
}

// ConsoleQueue yields lines from the console reader. Next blocks until a
// line is available.
type ConsoleQueue interface {
	Next() (line string, ok bool)
}

// Target is everything a Machine must expose for the probe package to
// drive wait_* operations against it.
type Target interface {
	Shell
	Monitor
	Console() ConsoleQueue
	Logger() *logrus.Entry
}

// WaitForUnit polls get_unit_info until ActiveState == "active". It raises
// immediately (without exhausting the retry budget) if the unit reaches
// "failed", or if it is "inactive" with no pending jobs on a confirming
// re-read.
func WaitForUnit(t Target, budget retry.Budget, unit, user string) error {
	return budget.Do(func(last bool) (bool, error) {
		info, err := systemd.UnitInfo(t, unit, user)
		if err != nil {
			return false, err
		}
		state := info["ActiveState"]
		if state == "failed" {
			return false, &systemd.UnitFailedError{Unit: unit}
		}
		if state == "inactive" {
			_, jobs, err := systemd.Query(t, "list-jobs --full 2>&1", user)
			if err != nil {
				return false, err
			}
			if strings.Contains(jobs, "No jobs") {
				info, err = systemd.UnitInfo(t, unit, user)
				if err != nil {
					return false, err
				}
				if info["ActiveState"] == state {
					return false, &systemd.UnitInactiveError{Unit: unit}
				}
			}
		}
		return state == "active", nil
	})
}

// WaitForFile polls until filename exists in the guest's file system.
func WaitForFile(t Target, budget retry.Budget, filename string) error {
	t.Logger().Infof("waiting for file ‘%s‘", filename)
	return budget.Do(func(last bool) (bool, error) {
		status, _, err := t.Execute(fmt.Sprintf("test -e %s", filename))
		return status == 0, err
	})
}

// WaitForOpenPort polls until a TCP port is accepting connections.
func WaitForOpenPort(t Target, budget retry.Budget, port int) error {
	t.Logger().Infof("waiting for TCP port %d", port)
	return budget.Do(func(last bool) (bool, error) {
		status, _, err := t.Execute(fmt.Sprintf("nc -z localhost %d", port))
		return status == 0, err
	})
}

// WaitForClosedPort polls until a TCP port stops accepting connections.
func WaitForClosedPort(t Target, budget retry.Budget, port int) error {
	return budget.Do(func(last bool) (bool, error) {
		status, _, err := t.Execute(fmt.Sprintf("nc -z localhost %d", port))
		return status != 0, err
	})
}

// TTYText reads the visible text of a TTY, folded to its real width.
func TTYText(t Target, tty string) (string, error) {
	_, out, err := t.Execute(fmt.Sprintf(
		"fold -w$(stty -F /dev/tty%s size | awk '{print $2}') /dev/vcs%s", tty, tty))
	return out, err
}

// WaitUntilTTYMatches polls the given TTY's visible text until regex
// matches.
func WaitUntilTTYMatches(t Target, budget retry.Budget, tty, regex string) error {
	matcher, err := regexp.Compile(regex)
	if err != nil {
		return err
	}
	t.Logger().Infof("waiting for %s to appear on tty %s", regex, tty)
	return budget.Do(func(last bool) (bool, error) {
		text, err := TTYText(t, tty)
		if err != nil {
			return false, err
		}
		if last {
			t.Logger().Infof("Last chance to match /%s/ on TTY%s, which currently contains: %s", regex, tty, text)
		}
		return matcher.MatchString(text), nil
	})
}

// WaitForConsoleText consumes lines from the console queue, accumulating
// them into a single buffer, re-scanning the whole buffer from the start on
// each new line.
func WaitForConsoleText(t Target, regex string) error {
	matcher, err := regexp.Compile(regex)
	if err != nil {
		return err
	}
	t.Logger().Infof("waiting for %s to appear on console", regex)

	var buf strings.Builder
	q := t.Console()
	for {
		line, ok := q.Next()
		if !ok {
			return fmt.Errorf("console closed before /%s/ matched", regex)
		}
		buf.WriteString(line)
		buf.WriteString("\n")
		if matcher.MatchString(buf.String()) {
			return nil
		}
	}
}

// WaitForX waits for the graphical target's journal entry and the X11
// socket to both be present.
func WaitForX(t Target, budget retry.Budget) error {
	t.Logger().Info("waiting for the X11 server")
	return budget.Do(func(last bool) (bool, error) {
		status, _, err := t.Execute(
			`journalctl -b SYSLOG_IDENTIFIER=systemd | grep "Reached target Current graphical"`)
		if err != nil {
			return false, err
		}
		if status != 0 {
			return false, nil
		}
		status, _, err = t.Execute("[ -e /tmp/.X11-unix/X0 ]")
		return status == 0, err
	})
}

// WindowNames lists the names of every X window currently open.
func WindowNames(t Target) ([]string, error) {
	status, out, err := t.Execute(
		`xwininfo -root -tree | sed 's/.*0x[0-9a-f]* "\([^"]*\)".*/\1/; t; d'`)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, fmt.Errorf("xwininfo failed with exit code %d", status)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// WaitForWindow waits for any open window's name to match regex.
func WaitForWindow(t Target, budget retry.Budget, regex string) error {
	matcher, err := regexp.Compile(regex)
	if err != nil {
		return err
	}
	t.Logger().Info("Waiting for a window to appear")
	return budget.Do(func(last bool) (bool, error) {
		names, err := WindowNames(t)
		if err != nil {
			return false, err
		}
		if last {
			t.Logger().Infof("Last chance to match %s on the window list, which currently contains: %s",
				regex, strings.Join(names, ", "))
		}
		for _, name := range names {
			if matcher.MatchString(name) {
				return true, nil
			}
		}
		return false, nil
	})
}
