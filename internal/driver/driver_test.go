package driver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nixos/vmtest-driver/internal/vm"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	d, err := New(nil, t.TempDir(), false, log)
	require.NoError(t, err)
	return d
}

func TestAddMachineRejectsDuplicateNames(t *testing.T) {
	d := newTestDriver(t)

	_, err := d.AddMachine(vm.Config{Name: "web"})
	require.NoError(t, err)

	_, err = d.AddMachine(vm.Config{Name: "web"})
	assert.Error(t, err)
}

func TestStartAllRejectsUnknownMachineName(t *testing.T) {
	d := newTestDriver(t)
	_, err := d.AddMachine(vm.Config{Name: "web"})
	require.NoError(t, err)

	err = d.StartAll("does-not-exist")
	assert.Error(t, err)
}

func TestSubtestReturnsAndLogsFailure(t *testing.T) {
	d := newTestDriver(t)

	assert.NoError(t, d.Subtest("ok", func() error { return nil }))

	boom := assert.AnError
	err := d.Subtest("boom", func() error { return boom })
	assert.Equal(t, boom, err)
}

func TestCleanupIsIdempotentAndRemovesStateDirs(t *testing.T) {
	d := newTestDriver(t)
	m, err := d.AddMachine(vm.Config{Name: "web"})
	require.NoError(t, err)

	stateDir := m.StateDir
	_, statErr := os.Stat(stateDir)
	require.NoError(t, statErr)

	d.Cleanup()
	d.Cleanup() // must not panic or double-remove

	_, statErr = os.Stat(stateDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCleanupKeepsStateDirWhenRequested(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	d, err := New(nil, t.TempDir(), true, log)
	require.NoError(t, err)

	m, err := d.AddMachine(vm.Config{Name: "web"})
	require.NoError(t, err)

	d.Cleanup()

	_, statErr := os.Stat(m.StateDir)
	assert.NoError(t, statErr)
}

func TestVlanEnvEmptyWithNoSwitches(t *testing.T) {
	d := newTestDriver(t)
	assert.Empty(t, d.VlanEnv())
}

func TestResolveAllReturnsEveryMachine(t *testing.T) {
	d := newTestDriver(t)
	_, err := d.AddMachine(vm.Config{Name: "a"})
	require.NoError(t, err)
	_, err = d.AddMachine(vm.Config{Name: "b"})
	require.NoError(t, err)

	all, err := d.resolve(nil)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, m := range all {
		names[m.Name] = true
	}
	assert.True(t, names["a"] && names["b"])
	assert.Equal(t, filepath.Join(d.TmpDir, "vm-state-a"), d.Machines["a"].StateDir)
}
