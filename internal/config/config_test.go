package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cozystack/stiefelboot/internal/modules"
)

func TestLoadFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server_setup:\n  cmdline: \"root=/dev/nbd0 rw\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KeyPath != KeyPath {
		t.Errorf("KeyPath = %q, want default %q", cfg.KeyPath, KeyPath)
	}
	if cfg.ServerSetup.Cmdline != "root=/dev/nbd0 rw" {
		t.Errorf("Cmdline = %q", cfg.ServerSetup.Cmdline)
	}
}

func TestLoadParsesModulesAndLuks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := "" +
		"key_path: /etc/stiefelsystem/key\n" +
		"server_setup:\n" +
		"  kernel_path: /boot/vmlinuz\n" +
		"  initrd_path: /boot/initrd\n" +
		"  cmdline: root=/dev/sda1\n" +
		"  modules: [nbd, system-debian]\n" +
		"  device: /dev/sda\n" +
		"  luks_device: /dev/mapper/crypt\n" +
		"autokexec:\n" +
		"  trigger_macs: [\"52:54:00:12:34:56\"]\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.ServerSetup.NeedLuks() {
		t.Error("NeedLuks() = false, want true")
	}
	if len(cfg.ServerSetup.Modules) != 2 || cfg.ServerSetup.Modules[0] != modules.NBD {
		t.Errorf("Modules = %v", cfg.ServerSetup.Modules)
	}
	if len(cfg.Autokexec.TriggerMACs) != 1 || cfg.Autokexec.TriggerMACs[0] != "52:54:00:12:34:56" {
		t.Errorf("TriggerMACs = %v", cfg.Autokexec.TriggerMACs)
	}
}

func TestServerSetupNeedLuksFalseByDefault(t *testing.T) {
	var s ServerSetup
	if s.NeedLuks() {
		t.Error("NeedLuks() = true for zero value")
	}
}

func TestLoadKeyRejectsWrongSize(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key")
	if err := os.WriteFile(keyPath, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := Config{KeyPath: keyPath}
	if _, err := cfg.LoadKey(); err == nil {
		t.Fatal("LoadKey accepted a short key")
	}
}

func TestLoadKeyAccepts16Bytes(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key")
	if err := os.WriteFile(keyPath, make([]byte, 16), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := Config{KeyPath: keyPath}
	key, err := cfg.LoadKey()
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if len(key) != 16 {
		t.Errorf("len(key) = %d, want 16", len(key))
	}
}
