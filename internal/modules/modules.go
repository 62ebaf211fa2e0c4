// Package modules defines the closed set of stiefelsystem module
// identifiers. The original Python implementation discovered module classes
// through a name-keyed decorator registry (Config.module_config); this
// package replaces that with an explicit enum and exhaustive switches, per
// DESIGN NOTES item 2.
package modules

// ID identifies a stiefelsystem module. Modules are enabled per-host in the
// boot manifest (server side) and reported per-boot in the archive's
// stiefelmodules member (client side).
type ID string

// The closed set of known module identifiers.
const (
	NBD              ID = "nbd"
	LVM              ID = "lvm"
	I915             ID = "i915"
	Debug            ID = "debug"
	ClevoFanControl  ID = "clevo-fancontrol"
	R8152            ID = "r8152"
	SystemDebian     ID = "system-debian"
	SystemArch       ID = "system-arch"
	SystemArchDracut ID = "system-arch-dracut"
	SystemGentoo     ID = "system-gentoo"
)

// All lists every known module identifier, in registration order.
func All() []ID {
	return []ID{
		NBD, LVM, I915, Debug, ClevoFanControl, R8152,
		SystemDebian, SystemArch, SystemArchDracut, SystemGentoo,
	}
}

// Known reports whether id is one of the recognized module identifiers.
func Known(id ID) bool {
	for _, known := range All() {
		if id == known {
			return true
		}
	}
	return false
}

// CmdlineStyle identifies which kernel-cmdline synthesis template a system
// module family requires (spec §4.4.2 step 6).
type CmdlineStyle int

const (
	// StyleUnsupported means no cmdline template applies.
	StyleUnsupported CmdlineStyle = iota
	// StyleInitramfsTools is used by system-debian and system-arch, which
	// boot via an initramfs-tools-style stiefel_nbdhost/stiefel_link setup.
	StyleInitramfsTools
	// StyleDracut is used by system-gentoo and system-arch-dracut, which
	// boot via dracut's ifname=/ip=/netroot= cmdline conventions.
	StyleDracut
)

// ResolveCmdlineStyle inspects a reported stiefelmodules set and returns
// which cmdline synthesis template applies. At least one of the known system
// module families must be present; if more than one matches, the first
// match in the precedence order below wins, matching the original client's
// first-matching `any(...)` checks.
func ResolveCmdlineStyle(reported []ID) CmdlineStyle {
	set := make(map[ID]bool, len(reported))
	for _, m := range reported {
		set[m] = true
	}

	if set[SystemDebian] || set[SystemArch] {
		return StyleInitramfsTools
	}
	if set[SystemGentoo] || set[SystemArchDracut] {
		return StyleDracut
	}
	return StyleUnsupported
}

// Join renders a module list back into the space-separated form used by
// the stiefelmodules archive member.
func Join(ids []ID) string {
	var out []byte
	for i, id := range ids {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, id...)
	}
	return string(out)
}

// ParseList splits a space-separated stiefelmodules archive member into
// module identifiers, preserving unknown tokens verbatim so callers can
// decide how strictly to validate them.
func ParseList(s string) []ID {
	var out []ID
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ' ' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, ID(s[start:i]))
			start = -1
		}
	}
	return out
}
