package server

import (
	"os/exec"

	"github.com/cockroachdb/errors"
)

// NBDExportName is the conventional export name the block device must be
// published under (spec §4.4.1 task 3, spec §6).
const NBDExportName = "stiefelblock"

// LaunchNBDExport starts an external NBD server process exporting device
// under NBDExportName, returning the running *exec.Cmd so the caller can
// wait on or kill it. This package only configures and launches the
// external collaborator; it is not itself an NBD implementation (spec
// §4.4.1 task 3: "This is an external collaborator").
func LaunchNBDExport(device string) (*exec.Cmd, error) {
	cmd := exec.Command("nbd-server",
		"-C", "/dev/null",
		"61333",
		device,
		"-e", NBDExportName,
	)
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "server: launch nbd-server for %s", device)
	}
	return cmd, nil
}
