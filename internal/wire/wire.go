// Package wire encodes and decodes the fixed-format discovery datagrams
// exchanged over the link-local multicast socket (spec §3, §4.2).
package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/cozystack/stiefelboot/internal/stieferr"
)

// MaxDatagramSize is the largest payload the discovery transport accepts
// (spec §6). Longer datagrams are truncated by the transport.
const MaxDatagramSize = 1024

const (
	prefix             = "stiefelsystem:discovery:"
	tagFindServer      = prefix + "find-server:"
	tagServerHello     = prefix + "server-hello:"
	tagAutokexecHello  = prefix + "autokexec-hello:"
	tagAutokexecReboot = prefix + "autokexec-reboot:"
)

// KeyHash returns KH = hex(SHA-256(K)), the public realm identifier carried
// in every datagram.
func KeyHash(key []byte) string {
	return hashHex("", key)
}

// AutokexecHMACKey returns HK = hex(SHA-256("autokexec-reboot/" || K)), the
// HMAC key for the autokexec challenge/response exchange.
func AutokexecHMACKey(key []byte) string {
	return hashHex("autokexec-reboot/", key)
}

// FindServer builds a `find-server` datagram for the given key hash.
func FindServer(keyHash string) []byte {
	return []byte(tagFindServer + keyHash)
}

// ServerHello builds a `server-hello` datagram for the given key hash.
func ServerHello(keyHash string) []byte {
	return []byte(tagServerHello + keyHash)
}

// AutokexecHello builds an `autokexec-hello` datagram carrying a
// base64-encoded challenge.
func AutokexecHello(keyHash, challengeB64 string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", tagAutokexecHello, keyHash, challengeB64))
}

// AutokexecReboot builds an `autokexec-reboot` datagram carrying the
// hex-encoded HMAC response.
func AutokexecReboot(keyHash, responseHex string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", tagAutokexecReboot, keyHash, responseHex))
}

// Kind identifies the decoded datagram's message type.
type Kind int

const (
	KindUnknown Kind = iota
	KindFindServer
	KindServerHello
	KindAutokexecHello
	KindAutokexecReboot
)

// Datagram is a decoded discovery message, already verified to carry the
// locally expected key hash.
type Datagram struct {
	Kind      Kind
	Challenge string // base64, present for KindAutokexecHello
	Response  string // hex, present for KindAutokexecReboot
}

// Parse inspects data prefix-first and returns the decoded datagram. Any
// datagram not beginning with one of the known tags, or whose key hash does
// not match keyHash, is rejected with stieferr.ErrAuth — the caller must
// drop it silently, per spec §4.2's filtering rule.
func Parse(data []byte, keyHash string) (Datagram, error) {
	switch {
	case bytes.Equal(data, FindServer(keyHash)):
		return Datagram{Kind: KindFindServer}, nil

	case bytes.Equal(data, ServerHello(keyHash)):
		return Datagram{Kind: KindServerHello}, nil

	case bytes.HasPrefix(data, []byte(tagAutokexecHello+keyHash+":")):
		challenge := string(data[len(tagAutokexecHello+keyHash+":"):])
		if challenge == "" {
			return Datagram{}, errors.Wrap(stieferr.ErrFormat, "wire: empty autokexec-hello challenge")
		}
		return Datagram{Kind: KindAutokexecHello, Challenge: challenge}, nil

	case bytes.HasPrefix(data, []byte(tagAutokexecReboot+keyHash+":")):
		response := string(data[len(tagAutokexecReboot+keyHash+":"):])
		if response == "" {
			return Datagram{}, errors.Wrap(stieferr.ErrFormat, "wire: empty autokexec-reboot response")
		}
		return Datagram{Kind: KindAutokexecReboot, Response: response}, nil

	default:
		return Datagram{}, errors.Wrap(stieferr.ErrAuth, "wire: unrecognized datagram or key-hash mismatch")
	}
}

// SignChallenge computes hex(HMAC-SHA-256(hmacKey, challenge)), the
// autokexec-reboot response to a given autokexec-hello challenge (spec
// §4.2, §4.3).
func SignChallenge(hmacKey, challenge string) string {
	mac := hmac.New(sha256.New, []byte(hmacKey))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyResponse checks response against SignChallenge(hmacKey, challenge)
// in constant time (spec §4.3, §8 invariant 6).
func VerifyResponse(hmacKey, challenge, response string) bool {
	expected := SignChallenge(hmacKey, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1
}

func hashHex(prefix string, key []byte) string {
	h := sha256.New()
	h.Write([]byte(prefix))
	h.Write(key)
	return hex.EncodeToString(h.Sum(nil))
}
