// Package driver wires together the VLAN fabric and the set of machines a
// test script exercises, and owns the process-wide cleanup that must run
// exactly once regardless of how the script exits.
package driver

import (
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/nixos/vmtest-driver/internal/vlan"
	"github.com/nixos/vmtest-driver/internal/vm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Driver owns every machine and VLAN switch started for one test run, plus
// the state directory they share, and tears all of it down exactly once.
type Driver struct {
	TmpDir      string
	KeepVMState bool

	Machines map[string]*vm.Machine

	switches []*vlan.Switch
	log      *logrus.Entry

	mu          sync.Mutex
	cleanedUp   bool
	interrupted chan os.Signal
}

// New starts one VLAN switch per id in vlanIDs under tmpDir and returns a
// Driver ready to have machines added to it. On failure any switches
// already started are terminated before returning.
func New(vlanIDs []string, tmpDir string, keepVMState bool, log *logrus.Entry) (*Driver, error) {
	switches, err := vlan.StartAll(vlanIDs, tmpDir, log)
	if err != nil {
		return nil, err
	}
	return &Driver{
		TmpDir:      tmpDir,
		KeepVMState: keepVMState,
		Machines:    make(map[string]*vm.Machine),
		switches:    switches,
		log:         log,
	}, nil
}

// VlanEnv returns the QEMU_VDE_SOCKET_<id> environment entries for every
// switch this Driver started.
func (d *Driver) VlanEnv() []string {
	return vlan.Env(d.switches)
}

// AddMachine constructs a Machine from cfg, rooted under the Driver's
// TmpDir, and registers it under its resolved name. It does not start
// anything. Unless KeepVMState is set, any state directory left over from a
// previous run under the same name is removed first.
func (d *Driver) AddMachine(cfg vm.Config) (*vm.Machine, error) {
	if !d.KeepVMState {
		stale := filepath.Join(d.TmpDir, "vm-state-"+cfg.ResolvedName())
		if err := os.RemoveAll(stale); err != nil {
			return nil, errors.Wrapf(err, "failed to remove stale state directory %q", stale)
		}
	}

	m, err := vm.New(cfg, d.TmpDir, d.log)
	if err != nil {
		return nil, err
	}
	if _, exists := d.Machines[m.Name]; exists {
		return nil, errors.Errorf("duplicate machine name %q", m.Name)
	}
	d.Machines[m.Name] = m
	return m, nil
}

// StartAll starts every named machine (or, with no names, every registered
// machine) concurrently and waits for all of them to finish starting,
// returning the first error encountered.
func (d *Driver) StartAll(names ...string) error {
	return d.forEach(names, func(m *vm.Machine) error { return m.Start() })
}

// JoinAll blocks until every named machine (or, with no names, every
// registered machine) shuts down.
func (d *Driver) JoinAll(names ...string) error {
	return d.forEach(names, func(m *vm.Machine) error { return m.WaitForShutdown() })
}

func (d *Driver) forEach(names []string, fn func(*vm.Machine) error) error {
	targets, err := d.resolve(names)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, m := range targets {
		wg.Add(1)
		go func(i int, m *vm.Machine) {
			defer wg.Done()
			errs[i] = fn(m)
		}(i, m)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) resolve(names []string) ([]*vm.Machine, error) {
	if len(names) == 0 {
		all := make([]*vm.Machine, 0, len(d.Machines))
		for _, m := range d.Machines {
			all = append(all, m)
		}
		return all, nil
	}
	machines := make([]*vm.Machine, 0, len(names))
	for _, name := range names {
		m, ok := d.Machines[name]
		if !ok {
			return nil, errors.Errorf("no such machine %q", name)
		}
		machines = append(machines, m)
	}
	return machines, nil
}

// Subtest logs name, runs fn, and logs and re-raises any error it returns.
// Its return value never escapes into the caller's control flow beyond a
// pass/fail signal, matching the "Open Question" resolution of collapsing
// the original's context-manager-based subtest into a plain function call.
func (d *Driver) Subtest(name string, fn func() error) error {
	d.log.Infof("subtest: %s", name)
	if err := fn(); err != nil {
		d.log.Errorf("subtest %q failed: %v", name, err)
		return err
	}
	return nil
}

// InstallSignalCleanup arranges for Cleanup to run on SIGINT/SIGTERM as
// well as via an explicit defer, mirroring the teacher's
// `signal.Notify(interrupted, os.Interrupt)` in
// commands/qemu-build/buildimage.go generalized to also catch SIGTERM.
// The returned func stops the signal forwarding; callers defer it.
func (d *Driver) InstallSignalCleanup() func() {
	d.interrupted = make(chan os.Signal, 1)
	signal.Notify(d.interrupted, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-d.interrupted:
			d.log.Warn("interrupted, cleaning up")
			d.Cleanup()
			os.Exit(1)
		case <-done:
		}
	}()

	return func() {
		close(done)
		signal.Stop(d.interrupted)
	}
}

// Cleanup kills every machine, terminates every VLAN switch, and (unless
// KeepVMState is set) removes each machine's state directory. Safe to call
// more than once; only the first call does anything.
func (d *Driver) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cleanedUp {
		return
	}
	d.cleanedUp = true

	for _, m := range d.Machines {
		m.Kill()
	}
	vlan.TerminateAll(d.switches)

	if d.KeepVMState {
		return
	}
	for _, m := range d.Machines {
		if err := m.CleanupStateDir(); err != nil {
			d.log.Warnf("failed to remove state directory for %s: %v", m.Name, err)
		}
	}
}
