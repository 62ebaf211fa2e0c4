// Package server implements the server endpoint's boot coordinator (spec
// §4.4.1): the discovery announcer and the HTTP boot-request service run
// concurrently against the same read-only manifest.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/cozystack/stiefelboot/internal/archive"
	"github.com/cozystack/stiefelboot/internal/discovery"
	"github.com/cozystack/stiefelboot/internal/modules"
	"github.com/cozystack/stiefelboot/internal/stiefelcrypto"
	"github.com/cozystack/stiefelboot/internal/stieferr"
	"github.com/cozystack/stiefelboot/internal/wire"
)

// Manifest is the static, per-host boot record a server endpoint
// advertises (spec §3 "Boot manifest"). It is read-only for the lifetime
// of the process; the HTTP handler and announcer share it without
// synchronization.
type Manifest struct {
	Kernel     io.ReaderAt
	KernelSize int64
	Initrd     io.ReaderAt
	InitrdSize int64
	Cmdline    string
	Modules    []modules.ID
	NeedLuks   bool
}

// LuksOpener opens the LUKS container with an already-decrypted
// passphrase; decoding and decrypting the lukspw field happen before it is
// called. OpenLuksDevice returns a cryptsetup-backed LuksOpener; callers
// may supply any other implementation.
type LuksOpener func(passphrase []byte) error

// Server holds the explicit, constructor-injected state for one server
// endpoint run (spec §9 "Global mutable configuration").
type Server struct {
	Key      []byte
	KeyHash  string
	Manifest Manifest
	Luks     LuksOpener
}

// New constructs a Server from a loaded pre-shared key, a Manifest, and an
// optional LuksOpener.
func New(key []byte, manifest Manifest, luks LuksOpener) *Server {
	return &Server{Key: key, KeyHash: wire.KeyHash(key), Manifest: manifest, Luks: luks}
}

// RunAnnouncer answers every find-server datagram with server-hello, for
// as long as ctx is live (spec §4.4.1 task 1).
func (s *Server) RunAnnouncer(ctx context.Context) error {
	sock, err := discovery.Listen()
	if err != nil {
		return errors.Wrap(err, "server: announcer listen")
	}
	defer sock.Close()

	log.Print("server: announcer listening for find-server datagrams")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dg, ok, err := sock.Receive()
		if err != nil {
			return errors.Wrap(err, "server: announcer receive")
		}
		if !ok {
			continue
		}

		parsed, err := wire.Parse(dg.Data, s.KeyHash)
		if err != nil || parsed.Kind != wire.KindFindServer {
			continue
		}

		if err := sock.ReplyTo(wire.ServerHello(s.KeyHash), dg.Addr); err != nil {
			log.Printf("server: announcer reply failed: %v", err)
		}
	}
}

// rootResponse is the GET / JSON body (spec §4.4.1 resource 1).
type rootResponse struct {
	What      string `json:"what"`
	Challenge string `json:"challenge"`
	KeyHash   string `json:"key-hash"`
	NeedLuks  bool   `json:"need-luks"`
}

// bootRequest is the POST /boot.tar.aes JSON body.
type bootRequest struct {
	Challenge string `json:"challenge"`
	LuksPW    string `json:"lukspw,omitempty"`
}

// Handler builds the HTTP handler serving both resources of spec §4.4.1.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/boot.tar.aes", s.handleBoot)
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := rootResponse{
		What:      "stiefelsystem-server",
		Challenge: uuid.NewString(),
		KeyHash:   s.KeyHash,
		NeedLuks:  s.Manifest.NeedLuks,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("server: encode root response: %v", err)
	}
}

func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req bootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if s.Manifest.NeedLuks {
		if req.LuksPW == "" {
			httpErrorf(w, http.StatusBadRequest, stieferr.ErrMissingLuks, "server: need-luks but no passphrase supplied")
			return
		}
		if err := s.openLuks(req.LuksPW); err != nil {
			httpErrorf(w, http.StatusBadRequest, err, "server: open luks container")
			return
		}
	}

	blob, err := s.buildBootBlob(req.Challenge)
	if err != nil {
		httpErrorf(w, http.StatusInternalServerError, err, "server: build boot payload")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(blob); err != nil {
		log.Printf("server: write boot response: %v", err)
	}
}

func (s *Server) openLuks(luksPWB64 string) error {
	encrypted, err := base64.StdEncoding.DecodeString(luksPWB64)
	if err != nil {
		return errors.Wrap(stieferr.ErrFormat, "server: decode lukspw base64")
	}

	passphrase, err := stiefelcrypto.Decrypt(s.Key, encrypted)
	if err != nil {
		return err
	}
	defer zero(passphrase)

	if s.Luks == nil {
		return errors.New("server: need-luks set but no LuksOpener configured")
	}
	return s.Luks(passphrase)
}

func (s *Server) buildBootBlob(challenge string) ([]byte, error) {
	kernel, err := readAll(s.Manifest.Kernel, s.Manifest.KernelSize)
	if err != nil {
		return nil, errors.Wrap(err, "server: read kernel")
	}
	initrd, err := readAll(s.Manifest.Initrd, s.Manifest.InitrdSize)
	if err != nil {
		return nil, errors.Wrap(err, "server: read initrd")
	}

	members := []archive.Member{
		{Name: archive.MemberChallenge, Data: []byte(challenge)},
		{Name: archive.MemberKernel, Data: kernel},
		{Name: archive.MemberInitrd, Data: initrd},
		{Name: archive.MemberCmdline, Data: []byte(s.Manifest.Cmdline)},
		{Name: archive.MemberStiefelModules, Data: []byte(modules.Join(s.Manifest.Modules))},
	}

	plaintext, err := archive.Build(members)
	if err != nil {
		return nil, errors.Wrap(err, "server: build archive")
	}

	return stiefelcrypto.Encrypt(s.Key, plaintext)
}

func httpErrorf(w http.ResponseWriter, status int, err error, context string) {
	log.Printf("%s: %v", context, err)
	http.Error(w, err.Error(), status)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func readAll(r io.ReaderAt, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}
