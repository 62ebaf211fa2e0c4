// Package passwordagent wraps the external TTY-password-prompt utility used
// to collect a LUKS passphrase from the operator (spec §6 "Password
// agent"). Output is treated as opaque bytes and callers are expected to
// zero it promptly after use (spec §9 "Secrets in memory").
package passwordagent

import (
	"bytes"
	"os/exec"

	"github.com/cockroachdb/errors"
)

// Prompt runs systemd-ask-password with the given message and returns the
// passphrase it collected, with the trailing newline stripped.
func Prompt(message string) ([]byte, error) {
	cmd := exec.Command("systemd-ask-password", message)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "passwordagent: systemd-ask-password")
	}
	return bytes.TrimRight(out, "\n"), nil
}
