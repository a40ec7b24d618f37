package vm

import (
	"fmt"
	"os"

	"github.com/nixos/vmtest-driver/internal/keymap"
	"github.com/nixos/vmtest-driver/internal/probe"
	"github.com/nixos/vmtest-driver/internal/retry"
	"github.com/nixos/vmtest-driver/internal/screen"
	"github.com/nixos/vmtest-driver/internal/systemd"
	"github.com/nixos/vmtest-driver/internal/xfer"
)

// WaitUntilSucceeds polls command with the default retry budget until it
// returns a zero exit status.
func (m *Machine) WaitUntilSucceeds(command string) (string, error) {
	if err := m.Connect(); err != nil {
		return "", err
	}
	return m.shell.WaitUntilSucceeds(retry.Default(), command)
}

// WaitUntilFails polls command until it returns a non-zero exit status.
func (m *Machine) WaitUntilFails(command string) (string, error) {
	if err := m.Connect(); err != nil {
		return "", err
	}
	return m.shell.WaitUntilFails(retry.Default(), command)
}

// WaitForUnit waits for a systemd unit to reach "active".
func (m *Machine) WaitForUnit(unit string, user string) error {
	if err := m.Connect(); err != nil {
		return err
	}
	return probe.WaitForUnit(m, retry.Default(), unit, user)
}

// WaitForFile waits until filename exists in the guest.
func (m *Machine) WaitForFile(filename string) error {
	if err := m.Connect(); err != nil {
		return err
	}
	return probe.WaitForFile(m, retry.Default(), filename)
}

// WaitForOpenPort waits until a TCP port is open in the guest.
func (m *Machine) WaitForOpenPort(port int) error {
	if err := m.Connect(); err != nil {
		return err
	}
	return probe.WaitForOpenPort(m, retry.Default(), port)
}

// WaitForClosedPort waits until a TCP port is closed in the guest.
func (m *Machine) WaitForClosedPort(port int) error {
	if err := m.Connect(); err != nil {
		return err
	}
	return probe.WaitForClosedPort(m, retry.Default(), port)
}

// WaitUntilTTYMatches waits for a regex to appear on the given TTY.
func (m *Machine) WaitUntilTTYMatches(tty, regex string) error {
	if err := m.Connect(); err != nil {
		return err
	}
	return probe.WaitUntilTTYMatches(m, retry.Default(), tty, regex)
}

// WaitForConsoleText waits for a regex to appear in the accumulated
// console buffer.
func (m *Machine) WaitForConsoleText(regex string) error {
	return probe.WaitForConsoleText(m, regex)
}

// WaitForX waits for the graphical target and the X11 socket.
func (m *Machine) WaitForX() error {
	if err := m.Connect(); err != nil {
		return err
	}
	return probe.WaitForX(m, retry.Default())
}

// WindowNames lists the names of every open X window.
func (m *Machine) WindowNames() ([]string, error) {
	if err := m.Connect(); err != nil {
		return nil, err
	}
	return probe.WindowNames(m)
}

// WaitForWindow waits for an X window whose name matches regex.
func (m *Machine) WaitForWindow(regex string) error {
	if err := m.Connect(); err != nil {
		return err
	}
	return probe.WaitForWindow(m, retry.Default(), regex)
}

// screenGrabber lazily builds the OCR/screenshot helper bound to this
// machine's monitor and the `out` environment directory.
func (m *Machine) screenGrabber() *screen.Grabber {
	outDir := os.Getenv("out")
	if outDir == "" {
		outDir, _ = os.Getwd()
	}
	return &screen.Grabber{Monitor: m, OutDir: outDir}
}

// Screenshot writes a PNG screenshot to filename.
func (m *Machine) Screenshot(filename string) error {
	if err := m.Start(); err != nil {
		return err
	}
	return m.screenGrabber().Screenshot(filename)
}

// GetScreenText OCRs the current display.
func (m *Machine) GetScreenText() (string, error) {
	if err := m.Start(); err != nil {
		return "", err
	}
	return m.screenGrabber().Text()
}

// WaitForText waits for a regex to appear in OCR'd screen text.
func (m *Machine) WaitForText(regex string) error {
	if err := m.Start(); err != nil {
		return err
	}
	return probe.WaitForText(m, m.screenGrabber(), retry.Default(), regex)
}

// SendKey sends a single character as a monitor sendkey command.
func (m *Machine) SendKey(char string) error {
	_, err := m.Command("sendkey " + keymap.Translate(char))
	return err
}

// SendChars sends a sequence of characters, one sendkey command each.
func (m *Machine) SendChars(chars []string) error {
	m.log.Infof("sending keys ‘%v‘", chars)
	for _, c := range chars {
		if err := m.SendKey(c); err != nil {
			return err
		}
	}
	return nil
}

// ForwardPort forwards a host TCP port to a guest TCP port.
func (m *Machine) ForwardPort(hostPort, guestPort int) error {
	_, err := m.Command(fmt.Sprintf("hostfwd_add tcp::%d-:%d", hostPort, guestPort))
	return err
}

// Block makes the machine unreachable over its multicast interface while
// leaving eth0 up so the driver can keep talking to it.
func (m *Machine) Block() error {
	_, err := m.Command("set_link virtio-net-pci.1 off")
	return err
}

// Unblock undoes Block.
func (m *Machine) Unblock() error {
	_, err := m.Command("set_link virtio-net-pci.1 on")
	return err
}

// DumpTTYContents pipes a TTY's contents into the guest's system journal,
// for debugging.
func (m *Machine) DumpTTYContents(tty string) error {
	_, _, err := m.Execute(fmt.Sprintf("fold -w 80 /dev/vcs%s | systemd-cat", tty))
	return err
}

// Sleep sleeps in guest time (as opposed to host time), by running `sleep`
// over the shell.
func (m *Machine) Sleep(seconds int) error {
	_, err := m.Succeed(fmt.Sprintf("sleep %d", seconds))
	return err
}

// systemctl runs a systemctl query, scoping to user's session when set.
func (m *Machine) systemctl(q, user string) (int, string, error) {
	if err := m.Connect(); err != nil {
		return 0, "", err
	}
	return systemd.Query(m, q, user)
}

// GetUnitInfo parses `systemctl show <unit>` into a key/value map.
func (m *Machine) GetUnitInfo(unit, user string) (map[string]string, error) {
	if err := m.Connect(); err != nil {
		return nil, err
	}
	return systemd.UnitInfo(m, unit, user)
}

// RequireUnitState asserts unit's current state without retrying.
func (m *Machine) RequireUnitState(unit, state string) error {
	m.log.Infof("checking if unit ‘%s’ has reached state '%s'", unit, state)
	if err := m.Connect(); err != nil {
		return err
	}
	return systemd.RequireUnitState(m, unit, state, "")
}

// StartJob/StopJob/WaitForJob are thin wrappers over the service-manager
// bridge for a named unit.
func (m *Machine) StartJob(jobname, user string) (int, string, error) {
	return m.systemctl("start "+jobname, user)
}

func (m *Machine) StopJob(jobname, user string) (int, string, error) {
	return m.systemctl("stop "+jobname, user)
}

func (m *Machine) WaitForJob(jobname string) error {
	return m.WaitForUnit(jobname, "")
}

// CopyFromHostViaShell copies a host file into the guest by base64 over
// the shell, without requiring a shared directory.
func (m *Machine) CopyFromHostViaShell(source, target string) error {
	if err := m.Connect(); err != nil {
		return err
	}
	return xfer.ViaShellIn(m.shell, source, target)
}

// CopyFromHost copies a host file or directory into the guest via the
// shared directory.
func (m *Machine) CopyFromHost(source, target string) error {
	if err := m.Connect(); err != nil {
		return err
	}
	d := xfer.SharedDir{HostPath: m.SharedDir, GuestPath: "/tmp/shared"}
	return d.CopyIn(m.shell, source, target)
}

// CopyFromVM copies a guest path out to targetDir under the `out`
// directory, via the shared directory.
func (m *Machine) CopyFromVM(source, targetDir string) error {
	if err := m.Connect(); err != nil {
		return err
	}
	outDir := os.Getenv("out")
	if outDir == "" {
		outDir, _ = os.Getwd()
	}
	d := xfer.SharedDir{HostPath: m.SharedDir, GuestPath: "/tmp/shared"}
	return d.CopyOut(m.shell, outDir, source, targetDir)
}
