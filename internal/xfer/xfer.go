// Package xfer implements two host<->guest file transfer strategies: copying
// through a shared directory visible to both sides (SharedDir), and
// base64-over-shell for single regular files (ViaShellIn). The caller picks
// the strategy; nothing here detects whether a shared directory is usable
// or falls back from one strategy to the other.
package xfer

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Shell is the subset of shellrpc.Channel file transfer needs.
type Shell interface {
	Succeed(commands ...string) (string, error)
}

// ViaShellIn copies a host file into the guest by base64-encoding it on the
// host and decoding it on the guest side. Works without a shared directory,
// but only for regular files.
func ViaShellIn(sh Shell, source, target string) error {
	data, err := os.ReadFile(source)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", source)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	_, err = sh.Succeed(
		fmt.Sprintf("mkdir -p $(dirname %s)", target),
		fmt.Sprintf("echo -n %s | base64 -d > %s", encoded, target),
	)
	return err
}

// SharedDir mediates host<->guest transfers through a directory mounted on
// both sides. HostPath is the directory as seen from the host process;
// GuestPath is the same directory as seen inside the guest.
type SharedDir struct {
	HostPath  string
	GuestPath string
}

// newSubdir allocates a fresh, uniquely named subdirectory under d, used to
// avoid collisions between concurrent transfers.
func (d SharedDir) newSubdir() (host, guest string, err error) {
	name := uuid.NewString()
	host = filepath.Join(d.HostPath, name)
	guest = filepath.Join(d.GuestPath, name)
	if err := os.MkdirAll(host, 0700); err != nil {
		return "", "", errors.Wrap(err, "failed to create shared-directory subfolder")
	}
	return host, guest, nil
}

// CopyIn copies a host file or directory into the guest via the shared
// directory.
func (d SharedDir) CopyIn(sh Shell, source, target string) error {
	hostTmp, guestTmp, err := d.newSubdir()
	if err != nil {
		return err
	}
	defer os.RemoveAll(hostTmp)

	base := filepath.Base(source)
	hostIntermediate := filepath.Join(hostTmp, base)
	guestIntermediate := filepath.Join(guestTmp, base)

	if _, err := sh.Succeed(fmt.Sprintf("mkdir -p %s", guestTmp)); err != nil {
		return err
	}
	if err := copyPath(source, hostIntermediate); err != nil {
		return errors.Wrapf(err, "failed to stage %q into shared directory", source)
	}
	if _, err := sh.Succeed(
		fmt.Sprintf("mkdir -p %s", filepath.Dir(target)),
		fmt.Sprintf("cp -r %s %s", guestIntermediate, target),
	); err != nil {
		return err
	}
	return nil
}

// CopyOut copies a guest-side source path into targetDir on the host (the
// `out` directory), via the shared directory.
func (d SharedDir) CopyOut(sh Shell, outDir, source, targetDir string) error {
	hostTmp, guestTmp, err := d.newSubdir()
	if err != nil {
		return err
	}
	defer os.RemoveAll(hostTmp)

	base := filepath.Base(source)
	guestIntermediate := filepath.Join(guestTmp, base)
	hostIntermediate := filepath.Join(hostTmp, base)

	if _, err := sh.Succeed(
		fmt.Sprintf("mkdir -p %s", guestTmp),
		fmt.Sprintf("cp -r %s %s", source, guestIntermediate),
	); err != nil {
		return err
	}

	absTarget := filepath.Join(outDir, targetDir, base)
	if err := os.MkdirAll(filepath.Dir(absTarget), 0755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}
	if err := copyPath(hostIntermediate, absTarget); err != nil {
		return errors.Wrapf(err, "failed to copy %q out of shared directory", source)
	}
	return nil
}

// copyPath copies src to dst, recursively if src is a directory.
func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode())
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}
