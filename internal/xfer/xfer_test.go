package xfer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeShell emulates the guest side of a transfer by actually performing
// the mkdir/cp commands on the host filesystem (guest paths are rooted
// under a fake "/" for the test).
type fakeShell struct {
	t    *testing.T
	root string
}

func (f *fakeShell) translate(p string) string {
	return filepath.Join(f.root, p)
}

func (f *fakeShell) Succeed(commands ...string) (string, error) {
	for _, cmd := range commands {
		fields := strings.Fields(cmd)
		switch fields[0] {
		case "mkdir":
			require.NoError(f.t, os.MkdirAll(f.translate(fields[2]), 0755))
		case "cp":
			src := f.translate(fields[2])
			dst := f.translate(fields[3])
			require.NoError(f.t, copyPath(src, dst))
		case "echo":
			// base64 fallback path: "echo -n <data> | base64 -d > target"
			// handled by its own test; not exercised here.
		default:
			f.t.Fatalf("unexpected command in fake shell: %q", cmd)
		}
	}
	return "", nil
}

func TestSharedDirRoundTripsAFile(t *testing.T) {
	guestRoot := t.TempDir()
	// The host side of the shared directory is what the fake guest sees as
	// /tmp/shared.
	hostShared := filepath.Join(guestRoot, "tmp", "shared")
	d := SharedDir{HostPath: hostShared, GuestPath: "/tmp/shared"}

	src := filepath.Join(t.TempDir(), "payload.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0644))

	sh := &fakeShell{t: t, root: guestRoot}
	require.NoError(t, d.CopyIn(sh, src, "/dest/payload.txt"))

	gotIn, err := os.ReadFile(filepath.Join(guestRoot, "dest", "payload.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(gotIn))

	outDir := t.TempDir()
	require.NoError(t, d.CopyOut(sh, outDir, "/dest/payload.txt", "subdir"))

	gotOut, err := os.ReadFile(filepath.Join(outDir, "subdir", "payload.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(gotOut))
}

type recordingShell struct{ commands []string }

func (r *recordingShell) Succeed(commands ...string) (string, error) {
	r.commands = append(r.commands, commands...)
	return "", nil
}

func TestViaShellInBase64EncodesContent(t *testing.T) {
	src := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0644))

	sh := &recordingShell{}
	require.NoError(t, ViaShellIn(sh, src, "/root/f.bin"))
	require.Len(t, sh.commands, 2)
	require.Contains(t, sh.commands[0], "mkdir -p $(dirname /root/f.bin)")
	require.Contains(t, sh.commands[1], "base64 -d > /root/f.bin")
}
