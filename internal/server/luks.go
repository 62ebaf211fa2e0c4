package server

import (
	"bytes"
	"os/exec"

	"github.com/cockroachdb/errors"
)

// LuksMappedName is the conventional name the opened LUKS container is
// mapped under (available at /dev/mapper/<LuksMappedName>), exported for
// callers that go on to serve the mapped device (spec §4.4.1 task 1: "opens
// the LUKS container").
const LuksMappedName = "stiefelluks"

// OpenLuksDevice returns a LuksOpener that drives cryptsetup luksOpen
// against device, feeding passphrase on stdin so it never touches argv or
// the environment. This package only configures and launches the external
// collaborator; it is not itself a LUKS implementation (spec §4.4.1 task 1:
// "decrypts the LUKS passphrase ... and opens the LUKS container").
func OpenLuksDevice(device string) LuksOpener {
	return func(passphrase []byte) error {
		cmd := exec.Command("cryptsetup", "luksOpen", device, LuksMappedName, "--key-file", "-")
		cmd.Stdin = bytes.NewReader(passphrase)

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return errors.Wrapf(err, "server: cryptsetup luksOpen %s: %s", device, stderr.String())
		}
		return nil
	}
}
