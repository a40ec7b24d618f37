package vm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// baseMemoryMiB is the fixed memory allocation for a composed startup
// command.
const baseMemoryMiB = 384

// ComposeStartCommand produces the emulator command line for cfg. If
// cfg.StartCommand is set, it is used verbatim; otherwise a default
// qemu-kvm invocation is assembled from the recognized config keys. This
// function never launches anything -- it only builds a string.
func ComposeStartCommand(cfg Config) string {
	if cfg.StartCommand != "" {
		return cfg.StartCommand
	}

	netBackend := "-netdev user,id=net0"
	if cfg.NetBackendArgs != "" {
		netBackend += "," + cfg.NetBackendArgs
	}
	netFrontend := "-device virtio-net-pci,netdev=net0"
	if cfg.NetFrontendArgs != "" {
		netFrontend += "," + cfg.NetFrontendArgs
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "qemu-kvm -m %d %s %s $QEMU_OPTS ", baseMemoryMiB, netBackend, netFrontend)

	if cfg.HDA != "" {
		hdaPath, _ := filepath.Abs(cfg.HDA)
		if cfg.HDAInterface == "scsi" {
			fmt.Fprintf(&sb, "-drive id=hda,file=%s,werror=report,if=none -device scsi-hd,drive=hda ", hdaPath)
		} else {
			fmt.Fprintf(&sb, "-drive file=%s,if=%s,werror=report ", hdaPath, cfg.HDAInterface)
		}
	}

	if cfg.CDROM != "" {
		fmt.Fprintf(&sb, "-cdrom %s ", cfg.CDROM)
	}

	if cfg.USB != "" {
		fmt.Fprintf(&sb,
			"-device piix3-usb-uhci -drive id=usbdisk,file=%s,if=none,readonly -device usb-storage,drive=usbdisk ",
			cfg.USB)
	}

	if cfg.BIOS != "" {
		fmt.Fprintf(&sb, "-bios %s ", cfg.BIOS)
	}

	sb.WriteString(cfg.QEMUFlags)

	return sb.String()
}

// useSerialStdio reports whether the emulator should attach its serial
// console to stdio (when USE_SERIAL is "1" or a display is available)
// rather than run headless. Mirrors USE_SERIAL / DISPLAY from the
// environment.
func useSerialStdio() bool {
	if os.Getenv("USE_SERIAL") == "1" {
		return true
	}
	_, hasDisplay := os.LookupEnv("DISPLAY")
	return hasDisplay
}
