// Package stieferr defines the error taxonomy shared by every endpoint of
// the network boot coordination protocol.
package stieferr

import "github.com/cockroachdb/errors"

// Sentinel errors matched with errors.Is. Wrap them with errors.Wrap/Wrapf
// to attach context without losing the taxonomy.
var (
	// ErrFormat means a datagram or payload was malformed or the wrong length.
	ErrFormat = errors.New("stieferr: malformed format")

	// ErrAuth means an AEAD tag mismatch or a key-hash mismatch.
	ErrAuth = errors.New("stieferr: authentication failed")

	// ErrReplay means the challenge member of a decrypted boot archive did
	// not match the nonce the client issued.
	ErrReplay = errors.New("stieferr: replay detected")

	// ErrMissingLuks means need-luks is set but no lukspw was supplied.
	ErrMissingLuks = errors.New("stieferr: missing luks passphrase")

	// ErrUnsupportedSystem means the client cannot synthesize a cmdline for
	// the reported stiefelmodules set.
	ErrUnsupportedSystem = errors.New("stieferr: unsupported system modules")

	// ErrCorrupt means the boot archive blob was shorter than the minimum
	// 32 bytes, or otherwise truncated.
	ErrCorrupt = errors.New("stieferr: corrupt boot archive")

	// ErrTransport means network I/O or an HTTP round trip failed.
	ErrTransport = errors.New("stieferr: transport failure")

	// ErrKexec means the kexec syscall or tool failed.
	ErrKexec = errors.New("stieferr: kexec failed")
)
