package vm

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/nixos/vmtest-driver/internal/probe"
	"github.com/nixos/vmtest-driver/internal/qmonitor"
	"github.com/nixos/vmtest-driver/internal/shellrpc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// emulatorProcess abstracts the running emulator child so tests can
// substitute a stub that never shells out to a real qemu-kvm binary,
// mirroring the way the teacher's native engine abstracts process
// launching behind engines/native/system.StartProcess.
type emulatorProcess interface {
	Pid() int
	Stdout() io.Reader
	Wait() error
	Kill()
}

type execEmulatorProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *execEmulatorProcess) Pid() int         { return p.cmd.Process.Pid }
func (p *execEmulatorProcess) Stdout() io.Reader { return p.stdout }
func (p *execEmulatorProcess) Wait() error       { return p.cmd.Wait() }
func (p *execEmulatorProcess) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// launchEmulator starts the composed shell script as the emulator child.
// Replaced in tests with a stub that dials the monitor/shell sockets
// directly instead of spawning qemu-kvm.
var launchEmulator = func(script, dir string, env []string) (emulatorProcess, error) {
	cmd := exec.Command("/bin/sh", "-c", script)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to attach emulator stdout")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start emulator")
	}
	return &execEmulatorProcess{cmd: cmd, stdout: stdout}, nil
}

const (
	monitorSocketFile = "monitor"
	shellSocketFile   = "shell"
)

// Machine is a driver-side handle to one virtual machine: it owns the
// emulator child process and the monitor, shell, and console streams into
// it.
//
// Invariants (spec.md §3): Connected implies Booted. Booted holds iff the
// emulator child is alive. Exactly one goroutine drains console output,
// and it never blocks a script-facing operation. StateDir is unique per
// machine. The monitor and shell sockets are bound before the emulator is
// spawned so the post-spawn Accept calls cannot race the child.
type Machine struct {
	Name        string
	StateDir    string
	SharedDir   string
	AllowReboot bool

	mu        sync.Mutex
	booted    bool
	connected bool
	pid       int

	proc          emulatorProcess
	monitorSocket net.Listener
	shellSocket   net.Listener
	monitor       *qmonitor.Channel
	shell         *shellrpc.Channel
	console       *consoleQueue

	script string
	log    *logrus.Entry
}

// New constructs a Machine from cfg, rooted under tmpDir (the TMPDIR
// environment value, or os.TempDir()). It does not start anything.
func New(cfg Config, tmpDir string, log *logrus.Entry) (*Machine, error) {
	name := cfg.ResolvedName()

	stateDir, err := createDir(tmpDir, "vm-state-"+name)
	if err != nil {
		return nil, err
	}
	sharedDir, err := createDir(tmpDir, "shared-xchg")
	if err != nil {
		return nil, err
	}

	return &Machine{
		Name:        name,
		StateDir:    stateDir,
		SharedDir:   sharedDir,
		AllowReboot: cfg.AllowReboot,
		script:      ComposeStartCommand(cfg),
		log:         log.WithField("machine", name),
	}, nil
}

func createDir(base, name string) (string, error) {
	path := filepath.Join(base, name)
	if err := os.MkdirAll(path, 0700); err != nil {
		return "", errors.Wrapf(err, "failed to create directory %q", path)
	}
	return path, nil
}

// IsUp reports whether the machine has both booted and completed the shell
// handshake.
func (m *Machine) IsUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.booted && m.connected
}

// Booted reports whether the emulator is running.
func (m *Machine) Booted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.booted
}

// PID returns the emulator's process id, or 0 if not booted.
func (m *Machine) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pid
}

// Logger returns this machine's tagged log entry (satisfies probe.Target).
func (m *Machine) Logger() *logrus.Entry { return m.log }

// Console returns the console line queue (satisfies probe.Target).
func (m *Machine) Console() probe.ConsoleQueue { return m.console }

var _ probe.Target = (*Machine)(nil)

func bindSocket(path string) (net.Listener, error) {
	if err := os.RemoveAll(path); err != nil {
		return nil, errors.Wrapf(err, "failed to unlink stale socket %q", path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind socket %q", path)
	}
	return l, nil
}

// Start spawns the emulator if it is not already booted. Idempotent on
// Booted.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.booted {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.log.Info("starting vm")

	monitorPath := filepath.Join(m.StateDir, monitorSocketFile)
	shellPath := filepath.Join(m.StateDir, shellSocketFile)

	monitorListener, err := bindSocket(monitorPath)
	if err != nil {
		return err
	}
	shellListener, err := bindSocket(shellPath)
	if err != nil {
		return err
	}

	qemuOptions := m.composeQemuOptions(monitorPath, shellPath)

	environment := append(os.Environ(),
		"TMPDIR="+m.StateDir,
		"SHARED_DIR="+m.SharedDir,
		"USE_TMPDIR=1",
		"QEMU_OPTS="+qemuOptions,
	)

	proc, err := launchEmulator(m.script, m.StateDir, environment)
	if err != nil {
		return err
	}

	m.console = newConsoleQueue()
	go m.drainConsole(proc.Stdout())

	monitorConn, err := monitorListener.Accept()
	if err != nil {
		return errors.Wrap(err, "failed to accept monitor connection")
	}
	shellConn, err := shellListener.Accept()
	if err != nil {
		return errors.Wrap(err, "failed to accept shell connection")
	}

	m.mu.Lock()
	m.proc = proc
	m.monitorSocket = monitorListener
	m.shellSocket = shellListener
	m.monitor = qmonitor.New(monitorConn, m.log)
	m.shell = shellrpc.New(shellConn, m.log)
	m.mu.Unlock()

	if _, err := m.monitor.WaitForPrompt(); err != nil {
		return errors.Wrap(err, "emulator did not present a monitor prompt")
	}

	m.mu.Lock()
	m.pid = proc.Pid()
	m.booted = true
	m.mu.Unlock()

	m.log.Infof("QEMU running (pid %d)", proc.Pid())
	return nil
}

// composeQemuOptions assembles the monitor/shell/console wiring flags
// appended to QEMU_OPTS, generalizing spec.md §4.D point 2.
func (m *Machine) composeQemuOptions(monitorPath, shellPath string) string {
	flags := []string{
		fmt.Sprintf("-monitor unix:%s", monitorPath),
		fmt.Sprintf("-chardev socket,id=shell,path=%s", shellPath),
		"-device virtio-serial",
		"-device virtconsole,chardev=shell",
		"-device virtio-rng-pci",
	}
	if !m.AllowReboot {
		flags = append([]string{"-no-reboot"}, flags...)
	}
	if useSerialStdio() {
		flags = append(flags, "-serial stdio")
	} else {
		flags = append(flags, "-nographic")
	}

	opts := ""
	for i, f := range flags {
		if i > 0 {
			opts += " "
		}
		opts += f
	}
	if extra := os.Getenv("QEMU_OPTS"); extra != "" {
		opts += " " + extra
	}
	return opts
}

// drainConsole reads the emulator's stdout line by line, strips carriage
// returns, tolerates undecodable bytes, enqueues each line, and echoes it
// to the log. It is the single producer for the console queue and is the
// only goroutine that may block without affecting a script-facing
// operation.
func (m *Machine) drainConsole(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := stripCR(scanner.Text())
		m.console.Put(line)
		m.log.Info(line)
	}
	m.console.Close()
}

func stripCR(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\r' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Connect starts the machine if needed and completes the shell handshake.
// Idempotent on Connected.
func (m *Machine) Connect() error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.log.Info("waiting for the VM to finish booting")
	if err := m.Start(); err != nil {
		return err
	}

	tic := time.Now()
	if err := m.shell.DrainBanner(); err != nil {
		return errors.Wrap(err, "failed to read initial shell prompt")
	}
	toc := time.Now()

	m.log.Info("connected to guest root shell")
	m.log.Infof("(connecting took %.2f seconds)", toc.Sub(tic).Seconds())

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Execute runs command in the guest, connecting first if needed (satisfies
// probe.Target / shellrpc-shaped callers).
func (m *Machine) Execute(command string) (int, string, error) {
	if err := m.Connect(); err != nil {
		return 0, "", err
	}
	return m.shell.Execute(command)
}

// Succeed/Fail delegate to the shell channel, connecting first.
func (m *Machine) Succeed(commands ...string) (string, error) {
	if err := m.Connect(); err != nil {
		return "", err
	}
	return m.shell.Succeed(commands...)
}

func (m *Machine) Fail(commands ...string) (string, error) {
	if err := m.Connect(); err != nil {
		return "", err
	}
	return m.shell.Fail(commands...)
}

// Command sends a monitor command and returns the response up to the next
// prompt (satisfies probe.Target's Monitor interface).
func (m *Machine) Command(command string) (string, error) {
	if err := m.Start(); err != nil {
		return "", err
	}
	return m.monitor.Command(command)
}

// WaitForShutdown blocks until the emulator process exits, then resets
// Booted/Connected/PID. A no-op if the machine never booted.
func (m *Machine) WaitForShutdown() error {
	m.mu.Lock()
	if !m.booted {
		m.mu.Unlock()
		return nil
	}
	proc := m.proc
	m.mu.Unlock()

	m.log.Info("waiting for the VM to power off")
	err := proc.Wait()

	m.mu.Lock()
	m.pid = 0
	m.booted = false
	m.connected = false
	m.mu.Unlock()

	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return nil // a non-zero exit status is still an orderly exit
		}
		return errors.Wrap(err, "error waiting for emulator to exit")
	}
	return nil
}

// Shutdown sends a poweroff request over the shell and waits for the
// emulator to exit. No-op if not booted.
func (m *Machine) Shutdown() error {
	if !m.Booted() {
		return nil
	}
	if err := m.shell.SendRaw("poweroff"); err != nil {
		return errors.Wrap(err, "failed to send poweroff")
	}
	return m.WaitForShutdown()
}

// Crash forces a shutdown via the monitor's quit command. No-op if not
// booted. The monitor closing the link without a prompt after quit is the
// expected response, not an error.
func (m *Machine) Crash() error {
	if !m.Booted() {
		return nil
	}
	m.log.Info("forced crash")
	if _, err := m.monitor.Command("quit"); err != nil && errors.Cause(err) != io.EOF {
		return errors.Wrap(err, "failed to send quit to monitor")
	}
	return m.WaitForShutdown()
}

// CleanupStateDir deletes the state directory tree if it exists (spec.md
// §9 open question: the guard in the original implementation was
// inverted; the intended behavior is simply "delete if present").
func (m *Machine) CleanupStateDir() error {
	m.log.Info("delete the VM state directory")
	if _, err := os.Stat(m.StateDir); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(m.StateDir)
}

// Kill forcibly terminates the emulator process, used by the driver-wide
// cleanup hook. It does not wait for exit.
func (m *Machine) Kill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc != nil {
		m.log.Infof("killing %s (pid %d)", m.Name, m.pid)
		m.proc.Kill()
	}
}
