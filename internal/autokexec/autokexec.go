//go:build linux

// Package autokexec implements the trigger subsystem that watches a
// running host OS for a reason to kexec into the serving stiefelOS (spec
// §4.3).
package autokexec

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/cozystack/stiefelboot/internal/config"
	"github.com/cozystack/stiefelboot/internal/discovery"
	"github.com/cozystack/stiefelboot/internal/kexec"
	"github.com/cozystack/stiefelboot/internal/manifest"
	"github.com/cozystack/stiefelboot/internal/netlink"
	"github.com/cozystack/stiefelboot/internal/wire"
)

// inhibitInterface is the presence condition that means "this host already
// is the stiefeled target; never kexec again" (spec §4.3, §8 invariant 5).
const inhibitInterface = "/sys/class/net/stiefellink"

// gate is a one-shot trigger serializing the MAC watcher and broadcast
// watcher's race to call kexec (spec §9 "Concurrency").
type gate struct {
	once sync.Once
	fire func()
}

func newGate(fire func()) *gate {
	return &gate{fire: fire}
}

func (g *gate) Trigger() {
	g.once.Do(g.fire)
}

// LoadAssets resolves the configured stiefelOS kernel and initrd for the
// kexec action (spec §4.3 "Kexec action"), reusing the same manifest
// resolution (local file, optionally compressed, or oci://) the server
// endpoint uses to advertise them.
func LoadAssets(setup config.ServerSetup) (kexec.Assets, func(), error) {
	kernel, initrd, err := manifest.Resolve(setup.KernelPath, setup.InitrdPath)
	if err != nil {
		return kexec.Assets{}, nil, errors.Wrap(err, "autokexec: resolve boot manifest")
	}

	noop := func() {}
	return kexec.Assets{Kernel: kernel.Reader(), Initrd: initrd.Reader(), Cmdline: setup.Cmdline}, noop, nil
}

// Inhibited reports whether this host already carries the stiefellink
// interface and must never kexec again.
func Inhibited() bool {
	_, err := os.Stat(inhibitInterface)
	return err == nil
}

// Run starts the MAC-based and broadcast-based triggers and blocks until
// one of them fires kexec, an unrecoverable error occurs, or ctx is
// cancelled. fire is called at most once, from whichever trigger wins the
// race.
func Run(ctx context.Context, cfg config.Config, fire func()) error {
	if Inhibited() {
		log.Print("autokexec: stiefellink present, refusing to trigger")
		return nil
	}

	g := newGate(fire)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	if len(cfg.Autokexec.TriggerMACs) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := RunMACTrigger(ctx, cfg.Autokexec.TriggerMACs, func() {
				g.Trigger()
				cancel()
			})
			if err != nil {
				cancel()
			}
			errCh <- err
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := RunBroadcastTrigger(ctx, cfg, func() {
			g.Trigger()
			cancel()
		})
		if err != nil {
			cancel()
		}
		errCh <- err
	}()

	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// RunMACTrigger watches for the arrival of any network interface whose
// hardware address is in macs, triggering on first match (spec §4.3
// "MAC-based trigger").
func RunMACTrigger(ctx context.Context, macs []string, trigger func()) error {
	want := make(map[string]bool, len(macs))
	for _, m := range macs {
		want[m] = true
	}

	log.Print("autokexec: mac trigger watching for configured adapters")

	return netlink.WatchLinkAdd(ctx, func(l netlink.Link) bool {
		addr := l.HardwareAddr.String()
		if addr == "" || !want[addr] {
			return false
		}
		log.Printf("autokexec: mac trigger matched %s on %s", addr, l.Name)
		trigger()
		return true
	})
}

// RunBroadcastTrigger answers find-server probes with a fresh challenge and
// triggers kexec once a requester solves it with a valid HMAC response
// (spec §4.3 "Broadcast-based trigger").
func RunBroadcastTrigger(ctx context.Context, cfg config.Config, trigger func()) error {
	key, err := cfg.LoadKey()
	if err != nil {
		return err
	}
	keyHash := wire.KeyHash(key)
	hmacKey := wire.AutokexecHMACKey(key)

	challenge, err := newChallenge()
	if err != nil {
		return err
	}

	sock, err := discovery.Listen()
	if err != nil {
		return err
	}
	defer sock.Close()

	log.Print("autokexec: broadcast trigger listening for discovery datagrams")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dg, ok, err := sock.Receive()
		if err != nil {
			return errors.Wrap(err, "autokexec: receive")
		}
		if !ok {
			continue
		}

		parsed, err := wire.Parse(dg.Data, keyHash)
		if err != nil {
			continue
		}

		switch parsed.Kind {
		case wire.KindFindServer:
			reply := wire.AutokexecHello(keyHash, challenge)
			if err := sock.ReplyTo(reply, dg.Addr); err != nil {
				log.Printf("autokexec: cannot send discovery reply: %v", err)
			}

		case wire.KindAutokexecReboot:
			if wire.VerifyResponse(hmacKey, challenge, parsed.Response) {
				log.Print("autokexec: broadcast trigger received a valid reboot response")
				trigger()
				return nil
			}
			log.Print("autokexec: bad HMAC signature for autokexec-reboot challenge")
		}
	}
}

func newChallenge() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "autokexec: generate challenge")
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
