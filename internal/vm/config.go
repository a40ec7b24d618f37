// Package vm implements the startup-command composer and machine
// controller: it owns one guest's emulator process and the monitor/shell/
// console streams into it.
package vm

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/pkg/errors"
)

// Config is the declarative description of a machine, enumerating exactly
// the keys spec.md §6 recognizes. Unknown keys are rejected at
// construction rather than silently ignored.
type Config struct {
	Name         string `json:"name,omitempty"`
	StartCommand string `json:"startCommand,omitempty"`
	AllowReboot  bool   `json:"allowReboot,omitempty"`

	NetBackendArgs  string `json:"netBackendArgs,omitempty"`
	NetFrontendArgs string `json:"netFrontendArgs,omitempty"`
	HDA             string `json:"hda,omitempty"`
	HDAInterface    string `json:"hdaInterface,omitempty"` // "scsi" is special-cased
	CDROM           string `json:"cdrom,omitempty"`
	USB             string `json:"usb,omitempty"`
	BIOS            string `json:"bios,omitempty"`
	QEMUFlags       string `json:"qemuFlags,omitempty"`
}

var startCommandNamePattern = regexp.MustCompile(`run-(.+)-vm$`)

// ResolvedName returns c.Name, or a name derived from matching
// `run-<name>-vm$` against StartCommand, or the fallback "machine".
func (c Config) ResolvedName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.StartCommand != "" {
		if m := startCommandNamePattern.FindStringSubmatch(c.StartCommand); m != nil {
			return m[1]
		}
	}
	return "machine"
}

// ParseConfig decodes a Config from JSON, rejecting any key not named
// above.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, errors.Wrap(err, "invalid machine configuration")
	}
	return c, nil
}
