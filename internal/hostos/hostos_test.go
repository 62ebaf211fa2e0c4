//go:build linux

package hostos

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cozystack/stiefelboot/internal/modules"
)

func TestSetupRejectsMissingNBDModule(t *testing.T) {
	err := Setup(t.TempDir(), []modules.ID{modules.SystemArch})
	if err == nil {
		t.Fatal("expected an error when nbd module is not enabled")
	}
}

func TestSetupWritesDracutConfig(t *testing.T) {
	dir := t.TempDir()
	if err := Setup(dir, []modules.ID{modules.NBD, modules.SystemArchDracut}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	path := filepath.Join(dir, "etc/dracut.conf.d/50-stiefelsystem-nbd.conf")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
}

func TestSetupWritesMkinitcpioConfig(t *testing.T) {
	dir := t.TempDir()
	if err := Setup(dir, []modules.ID{modules.NBD, modules.SystemArch}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	path := filepath.Join(dir, "etc/mkinitcpio.conf.d/stiefelsystem-nbd.conf")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
}

func TestSetupNoOpWithoutDistroModule(t *testing.T) {
	dir := t.TempDir()
	if err := Setup(dir, []modules.ID{modules.NBD, modules.SystemGentoo}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
}
