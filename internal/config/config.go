// Package config defines the explicit configuration value threaded through
// every component constructor, replacing the source's process-global
// configuration singleton (spec §9 "Global mutable configuration").
package config

import (
	"net"
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/cozystack/stiefelboot/internal/modules"
)

// KeyPath is the conventional location of the 16-byte pre-shared key on a
// stiefelOS image, used as the default when Config.KeyPath is empty.
const KeyPath = "/etc/stiefelsystem/key"

// DiscoveryPort is the UDP port used for link-local multicast discovery
// (spec §4.2, §6).
const DiscoveryPort = 61570

// HTTPPort is the TCP port the server endpoint's HTTP service listens on
// (spec §4.4.1, §6).
const HTTPPort = 4644

// MulticastGroup is the all-nodes link-local IPv6 multicast address used
// for discovery (spec §4.2).
var MulticastGroup = net.ParseIP("ff02::1")

// ServerSetup configures the boot manifest advertised by the server
// endpoint and (reused) the kernel/initrd/cmdline the autokexec trigger
// loads when it fires (spec §4.3's "configured stiefelOS kernel and
// initrd").
type ServerSetup struct {
	// KernelPath and InitrdPath are either local filesystem paths
	// (optionally compressed with a .xz/.gz/.zst suffix) or an
	// "oci://<ref>!<file-in-image>" reference resolved by internal/manifest.
	KernelPath string       `yaml:"kernel_path"`
	InitrdPath string       `yaml:"initrd_path"`
	Cmdline    string       `yaml:"cmdline"`
	Modules    []modules.ID `yaml:"modules"`
	Device     string       `yaml:"device"`
	LuksDevice string       `yaml:"luks_device,omitempty"`
}

// NeedLuks reports whether the served block device is a LUKS container
// (spec §3: "need-luks ... derived from" the presence of a LUKS path).
func (s ServerSetup) NeedLuks() bool { return s.LuksDevice != "" }

// Autokexec configures the autokexec trigger subsystem (spec §4.3).
type Autokexec struct {
	// TriggerMACs is the configured set M of MAC addresses that arms the
	// MAC-based trigger.
	TriggerMACs []string `yaml:"trigger_macs"`
}

// Config is the full, explicit configuration value passed to every
// component constructor in this module (spec §9).
type Config struct {
	// KeyPath is the filesystem path to the 16-byte pre-shared key K.
	KeyPath string `yaml:"key_path"`

	ServerSetup ServerSetup `yaml:"server_setup"`
	Autokexec   Autokexec   `yaml:"autokexec"`
}

// Load reads and parses a YAML configuration file, filling unset fields
// with their conventional defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: read %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: parse %s", path)
	}

	if cfg.KeyPath == "" {
		cfg.KeyPath = KeyPath
	}
	return cfg, nil
}

// LoadKey reads the 16-byte pre-shared key from KeyPath.
func (c Config) LoadKey() ([]byte, error) {
	data, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read key from %s", c.KeyPath)
	}
	if len(data) != 16 {
		return nil, errors.Newf("config: key at %s is %d bytes, want 16", c.KeyPath, len(data))
	}
	return data, nil
}
