// Command vmtestd runs a NixOS-style VM integration test script against a
// set of emulator machines described by positional startup scripts.
package main

import (
	"fmt"
	"os"

	"github.com/nixos/vmtest-driver/internal/driver"
	"github.com/nixos/vmtest-driver/internal/vlan"
	"github.com/nixos/vmtest-driver/internal/vm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

var keepVMState bool

var rootCmd = &cobra.Command{
	Use:   "vmtestd [flags] machine-startup-script...",
	Short: "Run a VM integration test script against a set of QEMU machines",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args)
	},
}

func init() {
	rootCmd.Flags().BoolVarP(&keepVMState, "keep-vm-state", "K", false,
		"reuse each machine's state directory across runs instead of clearing it first")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(startupScripts []string) error {
	log := logrus.NewEntry(logrus.New())

	tmpDir := os.Getenv("TMPDIR")
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	vlanIDs := vlan.ParseIDs(os.Getenv("VLANS"))

	d, err := driver.New(vlanIDs, tmpDir, keepVMState, log)
	if err != nil {
		return err
	}
	stopSignals := d.InstallSignalCleanup()
	defer stopSignals()
	defer d.Cleanup()

	vlanEnv := d.VlanEnv()
	for _, kv := range vlanEnv {
		name, value, _ := splitEnv(kv)
		if err := os.Setenv(name, value); err != nil {
			return err
		}
	}

	for _, script := range startupScripts {
		cfg := vm.Config{StartCommand: script}
		if _, err := d.AddMachine(cfg); err != nil {
			return err
		}
	}

	testSource := os.Getenv("tests")
	if testSource == "" {
		return fmt.Errorf("no test script provided (set the `tests` environment variable)")
	}

	return runTestScript(d, testSource)
}

func splitEnv(kv string) (name, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}

// runTestScript evaluates testSource as Go source in an embedded
// interpreter, exporting the driver's machines and helpers the way the
// original binds each machine into the test script's variable namespace.
func runTestScript(d *driver.Driver, testSource string) error {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return err
	}

	symbols := map[string]map[string]interface{}{
		"vmtestd/vmtestd": {
			"Machines": d.Machines,
			"Subtest":  d.Subtest,
			"StartAll": d.StartAll,
			"JoinAll":  d.JoinAll,
		},
	}
	if err := i.Use(symbols); err != nil {
		return err
	}

	var preamble string
	for name := range d.Machines {
		preamble += fmt.Sprintf("%s := vmtestd.Machines[%q]\n_ = %s\n", name, name, name)
	}

	program := "package main\nimport \"vmtestd\"\nfunc Run() error {\n" + preamble + testSource + "\nreturn nil\n}\n"

	if _, err := i.Eval(program); err != nil {
		return err
	}
	v, err := i.Eval("main.Run")
	if err != nil {
		return err
	}
	runFn, ok := v.Interface().(func() error)
	if !ok {
		return fmt.Errorf("internal error: test script entrypoint has unexpected type")
	}
	return runFn()
}
