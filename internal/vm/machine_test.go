package vm

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nixos/vmtest-driver/internal/shellrpc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmulator stands in for the real qemu-kvm child: it satisfies
// emulatorProcess without ever spawning a process, so machine_test can drive
// Start/Connect/Shutdown/Crash against sockets dialed from this test binary.
type fakeEmulator struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	waitCh  chan struct{}

	mu     sync.Mutex
	killed bool
}

func newFakeEmulator() *fakeEmulator {
	r, w := io.Pipe()
	return &fakeEmulator{stdoutR: r, stdoutW: w, waitCh: make(chan struct{})}
}

func (f *fakeEmulator) Pid() int          { return 4242 }
func (f *fakeEmulator) Stdout() io.Reader { return f.stdoutR }
func (f *fakeEmulator) Wait() error {
	<-f.waitCh
	return nil
}
func (f *fakeEmulator) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killed {
		return
	}
	f.killed = true
	_ = f.stdoutW.Close()
	close(f.waitCh)
}

var framedCommand = regexp.MustCompile(`^\( (.*) \); echo '` + regexp.QuoteMeta(shellrpc.Sentinel) + `' \$\?\s*$`)

// serveShell plays the guest side of the shell RPC channel: it runs each
// framed command for real (via /bin/sh) and reports back exactly the
// output+sentinel framing shellrpc.Channel.Execute expects, so the tests
// exercise the real parsing path instead of a canned response table.
func serveShell(conn net.Conn, fe *fakeEmulator) {
	defer conn.Close()
	_, _ = conn.Write([]byte("root@guest# \n"))

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		trimmed := strings.TrimRight(line, "\n")
		if trimmed == "poweroff" {
			fe.Kill()
			return
		}
		m := framedCommand.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		cmd := exec.Command("/bin/sh", "-c", m[1])
		out, runErr := cmd.CombinedOutput()
		status := 0
		if runErr != nil {
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				status = exitErr.ExitCode()
			} else {
				status = 1
			}
		}
		fmt.Fprintf(conn, "%s%s %d", out, shellrpc.Sentinel, status)
	}
}

// serveMonitor plays the guest side of the QEMU control monitor: it emits
// the banner/prompt pair on connect and answers "quit" by tearing the
// machine down, mirroring a real monitor closing the link on exit.
func serveMonitor(conn net.Conn, fe *fakeEmulator) {
	defer conn.Close()
	_, _ = conn.Write([]byte("QEMU 2.0 monitor - type 'help' for more information\n(qemu) "))

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if strings.TrimRight(line, "\n") == "quit" {
			fe.Kill()
			return
		}
		_, _ = conn.Write([]byte("(qemu) "))
	}
}

// newTestMachine builds a Machine whose launchEmulator is replaced for the
// duration of the test with a stub that dials the monitor/shell sockets
// Start() has already bound, instead of spawning a real emulator.
func newTestMachine(t *testing.T) *Machine {
	t.Helper()

	prevLaunch := launchEmulator
	t.Cleanup(func() { launchEmulator = prevLaunch })

	launchEmulator = func(script, dir string, env []string) (emulatorProcess, error) {
		fe := newFakeEmulator()
		monitorPath := filepath.Join(dir, monitorSocketFile)
		shellPath := filepath.Join(dir, shellSocketFile)

		dial := func(path string, serve func(net.Conn, *fakeEmulator)) {
			var conn net.Conn
			var err error
			for i := 0; i < 100; i++ {
				conn, err = net.Dial("unix", path)
				if err == nil {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			if err != nil {
				return
			}
			serve(conn, fe)
		}

		go dial(monitorPath, serveMonitor)
		go dial(shellPath, serveShell)

		return fe, nil
	}

	log := logrus.NewEntry(logrus.New())
	cfg := Config{Name: "m", StartCommand: "echo ready"}
	m, err := New(cfg, t.TempDir(), log)
	require.NoError(t, err)
	return m
}

func TestConnectThenExecuteRoundTrips(t *testing.T) {
	m := newTestMachine(t)

	require.NoError(t, m.Connect())
	assert.True(t, m.Booted())
	assert.True(t, m.IsUp())

	out, err := m.Succeed("true")
	require.NoError(t, err)
	assert.Equal(t, "", out)

	out, err = m.Fail("false")
	require.NoError(t, err)
	assert.Equal(t, "", out)

	status, out, err := m.Execute("echo hi")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "hi\n", out)
}

func TestStartIsIdempotent(t *testing.T) {
	m := newTestMachine(t)

	require.NoError(t, m.Start())
	pid := m.PID()
	require.NoError(t, m.Start())
	assert.Equal(t, pid, m.PID())
}

func TestShutdownResetsBootedAndConnected(t *testing.T) {
	m := newTestMachine(t)
	require.NoError(t, m.Connect())

	require.NoError(t, m.Shutdown())
	assert.False(t, m.Booted())
	assert.False(t, m.IsUp())
}

func TestCrashResetsBooted(t *testing.T) {
	m := newTestMachine(t)
	require.NoError(t, m.Connect())

	require.NoError(t, m.Crash())
	assert.False(t, m.Booted())
}

func TestShutdownOnUnbootedMachineIsNoop(t *testing.T) {
	m := newTestMachine(t)
	assert.NoError(t, m.Shutdown())
	assert.NoError(t, m.Crash())
}
