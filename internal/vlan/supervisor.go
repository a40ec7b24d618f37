package vlan

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ParseIDs splits the whitespace-separated VLANS environment value into a
// deduplicated list, preserving first occurrence order.
func ParseIDs(vlansEnv string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, id := range strings.Fields(vlansEnv) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// StartAll starts one switch per id in ids, under baseDir, logging via log.
// On any failure it terminates the switches already started and returns the
// error.
func StartAll(ids []string, baseDir string, log *logrus.Entry) ([]*Switch, error) {
	switches := make([]*Switch, 0, len(ids))
	for _, id := range ids {
		sw, err := Start(id, baseDir, log)
		if err != nil {
			for _, started := range switches {
				started.Terminate()
			}
			return nil, errors.Wrapf(err, "failed to start VLAN switch %q", id)
		}
		switches = append(switches, sw)
	}
	return switches, nil
}

// Env returns the QEMU_VDE_SOCKET_<id>=<path> pairs to publish into the
// emulator children's environment.
func Env(switches []*Switch) []string {
	env := make([]string, 0, len(switches))
	for _, sw := range switches {
		env = append(env, sw.ControlSocketEnv()+"="+sw.ControlSocket)
	}
	return env
}

// TerminateAll terminates every switch; it does not block on exit.
func TerminateAll(switches []*Switch) {
	for _, sw := range switches {
		sw.Terminate()
	}
}
