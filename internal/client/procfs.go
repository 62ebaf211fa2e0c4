package client

import (
	"encoding/base64"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// ParseCmdlineTokens splits a space-separated key=value token string (the
// format of /proc/cmdline) into a map. Tokens without '=' are ignored
// (spec §6: "space-separated key=value tokens").
func ParseCmdlineTokens(s string) map[string]string {
	out := make(map[string]string)
	for _, tok := range strings.Fields(s) {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

// ReadProcCmdline reads and parses /proc/cmdline.
func ReadProcCmdline() (map[string]string, error) {
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return nil, errors.Wrap(err, "client: read /proc/cmdline")
	}
	return ParseCmdlineTokens(string(data)), nil
}

// InnerCmdlineExtra decodes the stiefel_innercmdline=<base64> token, if
// present, into the extra command-line bytes to append to the inner
// command line supplied by the server (spec §6).
func InnerCmdlineExtra(tokens map[string]string) (string, error) {
	encoded, ok := tokens["stiefel_innercmdline"]
	if !ok || encoded == "" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(err, "client: decode stiefel_innercmdline")
	}
	return string(decoded), nil
}

// ClientMAC reads the hardware address of the named interface from sysfs
// (spec §4.4.2 "Client MAC").
func ClientMAC(iface string) (string, error) {
	data, err := os.ReadFile("/sys/class/net/" + iface + "/address")
	if err != nil {
		return "", errors.Wrapf(err, "client: read MAC for %s", iface)
	}
	return strings.TrimSpace(string(data)), nil
}
