// Package stiefelcrypto implements the authenticated encryption primitive
// that wraps the boot payload archive and the LUKS passphrase in transit
// (spec §4.1). It is AES-EAX with a 16-byte tag, built from crypto/aes plus
// a hand-rolled CMAC/OMAC1 (RFC 4493): no library in the example corpus (or,
// to our knowledge, the wider Go ecosystem) exposes EAX mode, so this is one
// of the few components grounded on the standard library rather than a
// third-party dependency — see DESIGN.md.
package stiefelcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/cockroachdb/errors"

	"github.com/cozystack/stiefelboot/internal/stieferr"
)

// KeySize is the length in bytes of the shared secret K.
const KeySize = 16

const tagSize = 16
const minBlobSize = KeySize + tagSize // nonce + empty ciphertext + tag

// Encrypt authenticates and encrypts plaintext under key, returning
// nonce || ciphertext || tag.
//
// The nonce is the first 16 bytes of SHA-256(plaintext || random(16)):
// deterministic in the plaintext prefix but randomized by a per-invocation
// salt. This construction is mandatory for interop — the blob is
// fixed-format and carries no separate nonce framing beyond its leading 16
// bytes — so implementers must preserve it exactly.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errors.Newf("stiefelcrypto: key must be %d bytes, got %d", KeySize, len(key))
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "stiefelcrypto: read random salt")
	}

	h := sha256.New()
	h.Write(plaintext)
	h.Write(salt)
	nonce := h.Sum(nil)[:16]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "stiefelcrypto: new AES cipher")
	}

	ciphertext, tag := eaxEncrypt(block, nonce, plaintext)
	if len(tag) != tagSize {
		return nil, errors.Newf("stiefelcrypto: CryptoError: unexpected tag length %d", len(tag))
	}

	blob := make([]byte, 0, len(nonce)+len(ciphertext)+len(tag))
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	blob = append(blob, tag...)
	return blob, nil
}

// Decrypt verifies and decrypts a blob produced by Encrypt under key.
func Decrypt(key, blob []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errors.Newf("stiefelcrypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(blob) < minBlobSize {
		return nil, errors.Wrapf(stieferr.ErrFormat, "stiefelcrypto: blob too short (%d < %d)", len(blob), minBlobSize)
	}

	nonce := blob[:16]
	ciphertext := blob[16 : len(blob)-tagSize]
	tag := blob[len(blob)-tagSize:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "stiefelcrypto: new AES cipher")
	}

	plaintext, expectedTag := eaxDecrypt(block, nonce, ciphertext)
	if subtle.ConstantTimeCompare(tag, expectedTag) != 1 {
		return nil, errors.Wrap(stieferr.ErrAuth, "stiefelcrypto: tag mismatch")
	}
	return plaintext, nil
}

// eaxEncrypt implements the EAX authenticated-encryption mode (Bellare,
// Rogaway, Wagner) with no associated data: the server/client protocol
// never needs an AD field distinct from the nonce.
//
//	N = OMAC_K^0(nonce)
//	H = OMAC_K^1(ad)           (ad is always empty here)
//	C = CTR_K(N, plaintext)
//	T = OMAC_K^2(C) xor N xor H, truncated to tagSize
func eaxEncrypt(block cipher.Block, nonce, plaintext []byte) (ciphertext, tag []byte) {
	mac := newCMAC(block)

	n := omac(mac, 0, nonce)
	h := omac(mac, 1, nil)

	ciphertext = ctrXOR(block, n[:], plaintext)

	c := omac(mac, 2, ciphertext)
	tag = xorTag(n, h, c)
	return ciphertext, tag
}

// eaxDecrypt recovers the plaintext and recomputes the expected tag for
// constant-time comparison by the caller.
func eaxDecrypt(block cipher.Block, nonce, ciphertext []byte) (plaintext, expectedTag []byte) {
	mac := newCMAC(block)

	n := omac(mac, 0, nonce)
	h := omac(mac, 1, nil)
	c := omac(mac, 2, ciphertext)
	expectedTag = xorTag(n, h, c)

	plaintext = ctrXOR(block, n[:], ciphertext)
	return plaintext, expectedTag
}

// omac computes OMAC_K^t(msg) = CMAC_K(tweakBlock(t) || msg), the tweaked
// MAC variant EAX uses to domain-separate its three internal MAC calls.
func omac(mac cmacFunc, t byte, msg []byte) [blockSize]byte {
	tweaked := make([]byte, blockSize+len(msg))
	tweaked[blockSize-1] = t
	copy(tweaked[blockSize:], msg)
	return mac(tweaked)
}

// ctrXOR runs AES-CTR keyed by block, using iv as the full-width counter
// block, over src.
func ctrXOR(block cipher.Block, iv, src []byte) []byte {
	stream := cipher.NewCTR(block, iv)
	dst := make([]byte, len(src))
	stream.XORKeyStream(dst, src)
	return dst
}

func xorTag(n, h, c [blockSize]byte) []byte {
	out := make([]byte, tagSize)
	for i := 0; i < tagSize; i++ {
		out[i] = n[i] ^ h[i] ^ c[i]
	}
	return out
}
