//go:build linux

// Package hostos prepares a regular host OS so it can be served by a
// stiefelsystem server — the setup-host-os subcommand supplemented from
// the source's hostos.py/platform/nbd.py, which the distilled specification
// treats as out of scope but which a complete implementation still needs to
// make the "boot manifest" story end to end usable.
package hostos

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/cozystack/stiefelboot/internal/modules"
)

// dracutNBDConf is the dracut module config fragment enabling the nbd +
// network modules required to boot from the stiefelsystem server (mirrors
// install_platform_files("dracut_nbd") in the source).
const dracutNBDConf = `# added by stiefelboot setup-host-os
add_dracutmodules+=" nbd network "
`

// mkinitcpioNBDHook is the initramfs-tools/mkinitcpio-style hook fragment
// enabling nbd support (mirrors install_platform_files('mkinitcpio_nbd')).
const mkinitcpioNBDHook = `# added by stiefelboot setup-host-os
HOOKS=(base udev autodetect modconf block nbd filesystems fsck)
`

// Setup installs the platform-specific configuration needed to boot this
// host over NBD under prefix (spec §1 "Host-OS file installation", called
// out as an external collaborator but supplemented here since the
// original hostos.py ships it as part of the same repository).
func Setup(prefix string, mods []modules.ID) error {
	set := make(map[modules.ID]bool, len(mods))
	for _, m := range mods {
		set[m] = true
	}

	if !set[modules.NBD] {
		return errors.New("hostos: no disk transport mechanism enabled (expected the nbd module)")
	}

	if set[modules.SystemArchDracut] {
		return writeConfFile(prefix, "etc/dracut.conf.d/50-stiefelsystem-nbd.conf", dracutNBDConf)
	}
	if set[modules.SystemArch] {
		return writeConfFile(prefix, "etc/mkinitcpio.conf.d/stiefelsystem-nbd.conf", mkinitcpioNBDHook)
	}

	return nil
}

func writeConfFile(prefix, relPath, contents string) error {
	path := filepath.Join(prefix, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "hostos: create %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return errors.Wrapf(err, "hostos: write %s", path)
	}
	return nil
}
