//go:build linux

// Package client implements the client endpoint's deterministic boot
// sequence (spec §4.4.2): key load, discovery, optional passphrase
// collection, boot request, decrypt & verify, cmdline synthesis, and
// kexec hand-off.
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cozystack/stiefelboot/internal/archive"
	"github.com/cozystack/stiefelboot/internal/cli"
	"github.com/cozystack/stiefelboot/internal/config"
	"github.com/cozystack/stiefelboot/internal/discovery"
	"github.com/cozystack/stiefelboot/internal/kexec"
	"github.com/cozystack/stiefelboot/internal/modules"
	"github.com/cozystack/stiefelboot/internal/netlink"
	"github.com/cozystack/stiefelboot/internal/passwordagent"
	"github.com/cozystack/stiefelboot/internal/stiefelcrypto"
	"github.com/cozystack/stiefelboot/internal/stieferr"
	"github.com/cozystack/stiefelboot/internal/wire"
)

// ProbeTimeout is the default per-HTTP-probe timeout (spec §5).
const ProbeTimeout = 1 * time.Second

// ServerInfo is the discovered server's identity (spec §4.4.2 step 2).
type ServerInfo struct {
	HostWithZone string // e.g. "fe80::1%eth0"
	Interface    string // e.g. "eth0"
	NeedLuks     bool
	HTTPBaseURL  string
}

// Client holds the explicit state threaded through one client boot
// sequence (spec §9 "Global mutable configuration").
type Client struct {
	Key     []byte
	KeyHash string
	HMACKey string

	httpClient *http.Client
}

// New constructs a Client from a loaded pre-shared key.
func New(key []byte) *Client {
	return &Client{
		Key:        key,
		KeyHash:    wire.KeyHash(key),
		HMACKey:    wire.AutokexecHMACKey(key),
		httpClient: &http.Client{Timeout: ProbeTimeout},
	}
}

// Discover runs the find-server broadcast-and-poll loop (spec §4.2,
// §4.4.2 step 2) until a server replies and its HTTP root resource
// verifies, or ctx is cancelled.
func (c *Client) Discover(ctx context.Context) (ServerInfo, error) {
	sock, err := discovery.Listen()
	if err != nil {
		return ServerInfo{}, errors.Wrap(err, "client: discovery listen")
	}
	defer sock.Close()

	for {
		select {
		case <-ctx.Done():
			return ServerInfo{}, ctx.Err()
		default:
		}

		if err := c.broadcastOnAllInterfaces(sock); err != nil {
			log.Printf("client: broadcast round failed: %v", err)
		}

		info, found, err := c.receiveRound(sock)
		if err != nil {
			log.Printf("client: receive round failed: %v", err)
			continue
		}
		if found {
			return info, nil
		}
	}
}

// broadcastOnAllInterfaces sends find-server on every up interface and
// brings down interfaces up for the next round (spec §4.2 "Sending").
func (c *Client) broadcastOnAllInterfaces(sock *discovery.Socket) error {
	links, err := netlink.ListLinks()
	if err != nil {
		return errors.Wrap(err, "client: list links")
	}

	payload := wire.FindServer(c.KeyHash)

	for _, l := range links {
		switch l.OperState {
		case netlink.OperDown:
			log.Printf("client: setting link up: %s", l.Name)
			if err := netlink.BringUp(l.Index); err != nil {
				log.Printf("client: bring up %s failed: %v", l.Name, err)
			}
		case netlink.OperUp:
			if err := sock.SetMulticastInterface(int(l.Index)); err != nil {
				log.Printf("client: set multicast interface %s failed: %v", l.Name, err)
				continue
			}
			if err := sock.SendTo(payload); err != nil {
				log.Printf("client: broadcast on %s failed: %v", l.Name, err)
			}
		}
	}
	return nil
}

// receiveRound drains one ReceiveWindow of replies, answering autokexec
// challenges along the way and returning the first verified server.
func (c *Client) receiveRound(sock *discovery.Socket) (ServerInfo, bool, error) {
	deadline := time.Now().Add(discovery.ReceiveWindow)

	for time.Now().Before(deadline) {
		dg, ok, err := sock.Receive()
		if err != nil {
			return ServerInfo{}, false, err
		}
		if !ok {
			continue
		}

		parsed, err := wire.Parse(dg.Data, c.KeyHash)
		if err != nil {
			continue
		}

		switch parsed.Kind {
		case wire.KindServerHello:
			info, err := c.verifyServer(dg.Interface, dg.Addr.IP.String())
			if err != nil {
				log.Printf("client: server at %s is broken: %v", dg.Addr, err)
				continue
			}
			return info, true, nil

		case wire.KindAutokexecHello:
			response := wire.SignChallenge(c.HMACKey, parsed.Challenge)
			reply := wire.AutokexecReboot(c.KeyHash, response)
			if err := sock.ReplyTo(reply, dg.Addr); err != nil {
				log.Printf("client: autokexec-reboot reply failed: %v", err)
			}
		}
	}
	return ServerInfo{}, false, nil
}

func (c *Client) verifyServer(iface, ip string) (ServerInfo, error) {
	hostWithZone := fmt.Sprintf("%s%%%s", ip, iface)
	baseURL := fmt.Sprintf("http://[%s%%25%s]:%d", ip, iface, config.HTTPPort)

	var root struct {
		What     string `json:"what"`
		KeyHash  string `json:"key-hash"`
		NeedLuks bool   `json:"need-luks"`
	}
	if err := c.getJSON(baseURL+"/", &root); err != nil {
		return ServerInfo{}, err
	}
	if root.What != "stiefelsystem-server" {
		return ServerInfo{}, errors.New("client: not a stiefelsystem server")
	}
	if root.KeyHash != c.KeyHash {
		return ServerInfo{}, errors.New("client: wrong key hash")
	}

	return ServerInfo{
		HostWithZone: hostWithZone,
		Interface:    iface,
		NeedLuks:     root.NeedLuks,
		HTTPBaseURL:  baseURL,
	}, nil
}

func (c *Client) getJSON(url string, out any) error {
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return errors.Wrapf(stieferr.ErrTransport, "GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(stieferr.ErrFormat, "decode %s: %v", url, err)
	}
	return nil
}

// CollectLuksPassphrase prompts the operator and returns the base64-encoded
// encrypt(K, passphrase) transport form (spec §4.4.2 step 3).
func (c *Client) CollectLuksPassphrase() (string, error) {
	passphrase, err := passwordagent.Prompt("stiefelsystem root block device luks password")
	if err != nil {
		log.Printf("client: systemd-ask-password unavailable (%v), falling back to a terminal prompt", err)
		passphrase = []byte(cli.AskRequired("LUKS passphrase"))
	}
	defer zero(passphrase)

	encrypted, err := stiefelcrypto.Encrypt(c.Key, passphrase)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// bootRequestBody is the POST /boot.tar.aes JSON body.
type bootRequestBody struct {
	Challenge string `json:"challenge"`
	LuksPW    string `json:"lukspw,omitempty"`
}

// RequestBoot issues the boot request, decrypts the response, and
// validates the challenge echo (spec §4.4.2 steps 4-5).
func (c *Client) RequestBoot(info ServerInfo, luksPWBase64 string) ([]archive.Member, error) {
	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(bootRequestBody{Challenge: challenge, LuksPW: luksPWBase64})
	if err != nil {
		return nil, errors.Wrap(err, "client: marshal boot request")
	}

	resp, err := c.httpClient.Post(info.HTTPBaseURL+"/boot.tar.aes", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrapf(stieferr.ErrTransport, "POST /boot.tar.aes: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		return nil, errors.Wrap(stieferr.ErrMissingLuks, "client: server requires a luks passphrase")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(stieferr.ErrTransport, "boot request failed: HTTP %d", resp.StatusCode)
	}

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(stieferr.ErrTransport, "client: read boot response")
	}
	if len(blob) < 32 {
		return nil, errors.Wrap(stieferr.ErrCorrupt, "client: boot response shorter than 32 bytes")
	}

	plaintext, err := stiefelcrypto.Decrypt(c.Key, blob)
	if err != nil {
		return nil, err
	}

	members, err := archive.Read(plaintext)
	if err != nil {
		return nil, errors.Wrap(stieferr.ErrCorrupt, "client: read boot archive")
	}

	gotChallenge, ok := archive.Lookup(members, archive.MemberChallenge)
	if !ok || string(gotChallenge) != challenge {
		return nil, errors.Wrap(stieferr.ErrReplay, "client: challenge member mismatch")
	}

	return members, nil
}

// MaterializeMembers writes every archive member other than challenge,
// cmdline, and stiefelmodules to /<member-name> (spec §4.4.2 step 5, §6).
func MaterializeMembers(members []archive.Member) (cmdline string, mods []modules.ID, err error) {
	return MaterializeMembersInDir("/", members)
}

// MaterializeMembersInDir is MaterializeMembers parameterized over the
// destination directory, to keep the materialization logic testable
// without root-filesystem access.
func MaterializeMembersInDir(dir string, members []archive.Member) (cmdline string, mods []modules.ID, err error) {
	for _, m := range members {
		switch m.Name {
		case archive.MemberChallenge:
			continue
		case archive.MemberCmdline:
			cmdline = string(m.Data)
		case archive.MemberStiefelModules:
			mods = modules.ParseList(string(m.Data))
		default:
			path := filepath.Join(dir, m.Name)
			if writeErr := os.WriteFile(path, m.Data, 0o600); writeErr != nil {
				return "", nil, errors.Wrapf(writeErr, "client: write %s", path)
			}
		}
	}
	return cmdline, mods, nil
}

// Boot carries out steps 6-7 of the client sequence: cmdline synthesis and
// kexec hand-off. Success never returns.
func Boot(innerCmdline string, mods []modules.ID, info ServerInfo, clientMAC string) error {
	hostStiefellink := RewriteZoneToStiefellink(info.HostWithZone, info.Interface)

	cmdline, err := SynthesizeCmdline(innerCmdline, mods, hostStiefellink, clientMAC)
	if err != nil {
		return err
	}

	kernel, err := os.Open("/kernel")
	if err != nil {
		return errors.Wrap(err, "client: open /kernel")
	}
	defer kernel.Close()

	initrd, err := os.Open("/initrd")
	if err != nil {
		return errors.Wrap(err, "client: open /initrd")
	}
	defer initrd.Close()

	return kexec.Load(kexec.Assets{Kernel: kernel, Initrd: initrd, Cmdline: cmdline})
}

func newChallenge() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "client: generate challenge")
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
