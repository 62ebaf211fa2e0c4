package stiefelcrypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/cozystack/stiefelboot/internal/stieferr"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return key
}

func TestRoundTrip(t *testing.T) {
	key := testKey(t)
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("a"),
		[]byte("exactly sixteen!"),
		[]byte("the quick brown fox jumps over the lazy dog"),
		bytes.Repeat([]byte{0x42}, 4096),
	}

	for _, plaintext := range cases {
		blob, err := Encrypt(key, plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		got, err := Decrypt(key, blob)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plaintext, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("same plaintext twice")

	blob1, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	blob2, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if bytes.Equal(blob1, blob2) {
		t.Error("two encryptions of the same plaintext produced identical blobs")
	}

	for _, blob := range [][]byte{blob1, blob2} {
		got, err := Decrypt(key, blob)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("Decrypt(%x) = %q, want %q", blob, got, plaintext)
		}
	}
}

func TestDecryptRejectsFlippedBit(t *testing.T) {
	key := testKey(t)
	blob, err := Encrypt(key, []byte("tamper with me"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	for i := range blob {
		tampered := append([]byte(nil), blob...)
		tampered[i] ^= 0x01
		if _, err := Decrypt(key, tampered); err == nil {
			t.Errorf("Decrypt accepted a blob with byte %d flipped", i)
		}
	}
}

func TestDecryptRejectsShortBlob(t *testing.T) {
	key := testKey(t)
	blob, err := Encrypt(key, []byte(""))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(blob) != 32 {
		t.Fatalf("empty-plaintext blob length = %d, want 32", len(blob))
	}

	if _, err := Decrypt(key, blob); err != nil {
		t.Errorf("Decrypt of minimum-length (32 byte) blob failed: %v", err)
	}

	short := blob[:31]
	_, err = Decrypt(key, short)
	if err == nil {
		t.Fatal("Decrypt accepted a 31-byte blob")
	}
	if !errors.Is(err, stieferr.ErrFormat) {
		t.Errorf("Decrypt(31-byte blob) error = %v, want ErrFormat", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key := testKey(t)
	other := testKey(t)

	blob, err := Encrypt(key, []byte("secret payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(other, blob); err == nil {
		t.Error("Decrypt succeeded under the wrong key")
	} else if !errors.Is(err, stieferr.ErrAuth) {
		t.Errorf("Decrypt(wrong key) error = %v, want ErrAuth", err)
	}
}
