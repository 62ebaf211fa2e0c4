//go:build linux

package autokexec

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/cozystack/stiefelboot/internal/config"
)

func TestNewChallengeIsUniqueAndDecodable(t *testing.T) {
	a, err := newChallenge()
	if err != nil {
		t.Fatalf("newChallenge: %v", err)
	}
	b, err := newChallenge()
	if err != nil {
		t.Fatalf("newChallenge: %v", err)
	}
	if a == b {
		t.Error("newChallenge produced identical challenges twice")
	}
	for _, c := range []string{a, b} {
		raw, err := base64.StdEncoding.DecodeString(c)
		if err != nil {
			t.Errorf("challenge %q is not valid base64: %v", c, err)
		} else if len(raw) != 16 {
			t.Errorf("challenge %q decodes to %d bytes, want 16", c, len(raw))
		}
	}
}

func TestInhibitedReflectsStiefellink(t *testing.T) {
	if Inhibited() && !fileExists("/sys/class/net/stiefellink") {
		t.Error("Inhibited() = true but /sys/class/net/stiefellink does not exist")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestLoadAssetsOpensFiles(t *testing.T) {
	dir := t.TempDir()
	kernelPath := filepath.Join(dir, "vmlinuz")
	initrdPath := filepath.Join(dir, "initrd")
	if err := os.WriteFile(kernelPath, []byte("kernel-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(initrdPath, []byte("initrd-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	setup := config.ServerSetup{
		KernelPath: kernelPath,
		InitrdPath: initrdPath,
		Cmdline:    "console=ttyS0",
	}
	assets, closeFn, err := LoadAssets(setup)
	if err != nil {
		t.Fatalf("LoadAssets: %v", err)
	}
	defer closeFn()

	if assets.Cmdline != "console=ttyS0" {
		t.Errorf("Cmdline = %q", assets.Cmdline)
	}
}
