// Package vlan supervises the user-mode Ethernet switch processes that
// multiplex emulator NICs into a shared virtual LAN fabric.
package vlan

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/creack/pty"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ctlWaitTimeout bounds how long we watch for the switch's ctl socket to
// appear before giving up.
const ctlWaitTimeout = 10 * time.Second

func newTimeoutChan() <-chan time.Time {
	return time.After(ctlWaitTimeout)
}

// SwitchBinary is the user-mode Ethernet switch executable. It is a
// package variable so tests can point it at a stub.
var SwitchBinary = "vde_switch"

// ctlFile is the control socket file the switch binary creates inside its
// socket directory once it is ready to accept connections.
const ctlFile = "ctl"

// Switch is one running VDE-style switch process, bound to a single VLAN
// id. Its ControlSocket is published to emulator children via
// QEMU_VDE_SOCKET_<id>.
type Switch struct {
	ID            string
	ControlSocket string // directory containing "ctl"

	cmd *exec.Cmd
	pty *os.File
	log *logrus.Entry
}

// Start launches a fresh switch for vlanID under a new control-socket
// directory inside baseDir (mode 0700), writes a "version" handshake line
// over a PTY attached to the switch's stdin, reads one synchronizing line
// back from its stdout, and then verifies the control socket file exists.
func Start(vlanID, baseDir string, log *logrus.Entry) (*Switch, error) {
	log = log.WithField("vlan", vlanID)
	log.Info("starting VDE switch")

	socketDir, err := os.MkdirTemp(baseDir, fmt.Sprintf("nixos-test-vde-%s-", vlanID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create switch socket directory")
	}
	if err := os.Chmod(socketDir, 0700); err != nil {
		return nil, errors.Wrap(err, "failed to set switch socket directory permissions")
	}

	ptmx, ptsName, err := openPTY()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open PTY for switch handshake")
	}
	started := false
	defer func() {
		if !started {
			ptmx.Close()
		}
	}()

	pts, err := os.OpenFile(ptsName, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open switch PTY slave")
	}
	defer pts.Close()

	cmd := exec.Command(SwitchBinary, "-s", socketDir, "--dirmode", "0700")
	cmd.Stdin = pts
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to attach switch stdout")
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "cannot start vde switch")
	}

	if _, err := ptmx.WriteString("version\n"); err != nil {
		_ = cmd.Process.Kill()
		return nil, errors.Wrap(err, "failed to write switch handshake")
	}

	reader := bufio.NewReader(stdout)
	if _, err := reader.ReadString('\n'); err != nil {
		_ = cmd.Process.Kill()
		return nil, errors.Wrap(err, "failed to read switch handshake reply")
	}

	if err := waitForCtlFile(socketDir); err != nil {
		_ = cmd.Process.Kill()
		return nil, errors.New("cannot start vde switch")
	}

	started = true
	return &Switch{
		ID:            vlanID,
		ControlSocket: socketDir,
		cmd:           cmd,
		pty:           ptmx,
		log:           log,
	}, nil
}

// openPTY is a seam over github.com/creack/pty for testability.
var openPTY = func() (ptmx *os.File, slaveName string, err error) {
	ptmx, pts, err := pty.Open()
	if err != nil {
		return nil, "", err
	}
	name := pts.Name()
	pts.Close()
	return ptmx, name, nil
}

// waitForCtlFile watches socketDir for the switch's ctl file, racing against
// a short timeout, mirroring the socket-folder monitoring the teacher uses
// for its own VNC/QMP sockets.
func waitForCtlFile(socketDir string) error {
	ctlPath := filepath.Join(socketDir, ctlFile)
	if _, err := os.Stat(ctlPath); err == nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to watch switch socket directory")
	}
	defer w.Close()

	if err := w.Add(socketDir); err != nil {
		return errors.Wrap(err, "failed to watch switch socket directory")
	}

	deadline := newTimeoutChan()
	for {
		select {
		case ev := <-w.Events:
			if ev.Op&fsnotify.Create != 0 && filepath.Base(ev.Name) == ctlFile {
				return nil
			}
		case err := <-w.Errors:
			return err
		case <-deadline:
			if _, err := os.Stat(ctlPath); err == nil {
				return nil
			}
			return errors.New("ctl socket never appeared")
		}
	}
}

// ControlSocketEnv is the environment variable name published for this
// VLAN's control socket, e.g. QEMU_VDE_SOCKET_1.
func (s *Switch) ControlSocketEnv() string {
	return "QEMU_VDE_SOCKET_" + s.ID
}

// Terminate stops the switch process. It does not wait for exit; callers
// that need deterministic teardown should call Wait afterward.
func (s *Switch) Terminate() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Wait releases the switch's PTY and waits for its process to exit.
func (s *Switch) Wait() error {
	_ = s.pty.Close()
	return s.cmd.Wait()
}
