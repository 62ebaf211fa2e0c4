//go:build linux

package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/cozystack/stiefelboot/internal/archive"
	"github.com/cozystack/stiefelboot/internal/stiefelcrypto"
	"github.com/cozystack/stiefelboot/internal/stieferr"
)

func readFile(path string) ([]byte, error) { return os.ReadFile(path) }

func testKey() []byte { return bytes.Repeat([]byte{0x24}, 16) }

func TestRequestBootHappyPath(t *testing.T) {
	key := testKey()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req bootRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		members := []archive.Member{
			{Name: archive.MemberChallenge, Data: []byte(req.Challenge)},
			{Name: archive.MemberKernel, Data: []byte("kernel-bytes")},
			{Name: archive.MemberInitrd, Data: []byte("initrd-bytes")},
			{Name: archive.MemberCmdline, Data: []byte("root=/dev/nbd0 rw")},
			{Name: archive.MemberStiefelModules, Data: []byte("system-debian")},
		}
		plaintext, err := archive.Build(members)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		blob, err := stiefelcrypto.Encrypt(key, plaintext)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		w.Write(blob)
	}))
	defer srv.Close()

	c := New(key)
	info := ServerInfo{HTTPBaseURL: srv.URL}

	members, err := c.RequestBoot(info, "")
	if err != nil {
		t.Fatalf("RequestBoot: %v", err)
	}

	cmdline, mods, err := MaterializeMembersInDir(t.TempDir(), members)
	if err != nil {
		t.Fatalf("MaterializeMembersInDir: %v", err)
	}
	if cmdline != "root=/dev/nbd0 rw" {
		t.Errorf("cmdline = %q", cmdline)
	}
	if len(mods) != 1 || mods[0] != "system-debian" {
		t.Errorf("mods = %v", mods)
	}
}

func TestRequestBootRejectsShortBlob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("short"))
	}))
	defer srv.Close()

	c := New(testKey())
	_, err := c.RequestBoot(ServerInfo{HTTPBaseURL: srv.URL}, "")
	if err == nil {
		t.Fatal("expected an error for a short boot response")
	}
	if !errors.Is(err, stieferr.ErrCorrupt) {
		t.Errorf("error = %v, want ErrCorrupt", err)
	}
}

func TestRequestBootRejectsMissingLuks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing luks passphrase", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(testKey())
	_, err := c.RequestBoot(ServerInfo{HTTPBaseURL: srv.URL}, "")
	if !errors.Is(err, stieferr.ErrMissingLuks) {
		t.Errorf("error = %v, want ErrMissingLuks", err)
	}
}

func TestMaterializeMembersInDirWritesFiles(t *testing.T) {
	dir := t.TempDir()
	members := []archive.Member{
		{Name: archive.MemberChallenge, Data: []byte("ignored")},
		{Name: archive.MemberKernel, Data: []byte("kernel-bytes")},
		{Name: archive.MemberInitrd, Data: []byte("initrd-bytes")},
		{Name: archive.MemberCmdline, Data: []byte("root=/dev/nbd0 rw")},
		{Name: archive.MemberStiefelModules, Data: []byte("system-debian lvm")},
	}

	cmdline, mods, err := MaterializeMembersInDir(dir, members)
	if err != nil {
		t.Fatalf("MaterializeMembersInDir: %v", err)
	}
	if cmdline != "root=/dev/nbd0 rw" {
		t.Errorf("cmdline = %q", cmdline)
	}
	if len(mods) != 2 {
		t.Errorf("mods = %v", mods)
	}

	kernelPath := dir + "/kernel"
	data, err := readFile(kernelPath)
	if err != nil {
		t.Fatalf("read %s: %v", kernelPath, err)
	}
	if string(data) != "kernel-bytes" {
		t.Errorf("kernel contents = %q", data)
	}
}

func TestRequestBootRejectsReplayedArchive(t *testing.T) {
	key := testKey()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		members := []archive.Member{
			{Name: archive.MemberChallenge, Data: []byte("stale-challenge-from-prior-session")},
		}
		plaintext, _ := archive.Build(members)
		blob, _ := stiefelcrypto.Encrypt(key, plaintext)
		w.Write(blob)
	}))
	defer srv.Close()

	c := New(key)
	_, err := c.RequestBoot(ServerInfo{HTTPBaseURL: srv.URL}, "")
	if !errors.Is(err, stieferr.ErrReplay) {
		t.Errorf("error = %v, want ErrReplay", err)
	}
}
