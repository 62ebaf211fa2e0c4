package client

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/cozystack/stiefelboot/internal/modules"
	"github.com/cozystack/stiefelboot/internal/stieferr"
)

// RewriteZoneToStiefellink replaces a scoped IPv6 address's zone-id
// (interface name) with "stiefellink" (spec §4.4.2 step 6: "the inner
// kernel will rename the NIC accordingly"), URL-encoding the zone
// separator as "%25" per spec §8 scenarios 1 and 6.
func RewriteZoneToStiefellink(hostWithZone, zone string) string {
	return strings.Replace(hostWithZone, "%"+zone, "%25stiefellink", 1)
}

// SynthesizeCmdline builds the final kexec command line from the inner
// cmdline supplied by the server, the reported stiefelmodules set, the
// server's zone-scoped address, and the client's MAC address on the
// server-facing interface (spec §4.4.2 step 6).
func SynthesizeCmdline(innerCmdline string, reported []modules.ID, hostWithStiefellinkZone, clientMAC string) (string, error) {
	switch modules.ResolveCmdlineStyle(reported) {
	case modules.StyleInitramfsTools:
		return strings.TrimSpace(innerCmdline +
			" stiefel_nbdhost=" + hostWithStiefellinkZone +
			" stiefel_nbdname=stiefelblock" +
			" stiefel_link=" + clientMAC), nil

	case modules.StyleDracut:
		return strings.TrimSpace(innerCmdline +
			" ifname=stiefellink:" + clientMAC +
			" ip=stiefellink:link6" +
			" netroot=nbd:[" + hostWithStiefellinkZone + "]:stiefelblock:::-persist"), nil

	default:
		return "", errors.Wrapf(stieferr.ErrUnsupportedSystem,
			"cannot synthesize cmdline for modules %q", modules.Join(reported))
	}
}
