package client

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/cozystack/stiefelboot/internal/modules"
	"github.com/cozystack/stiefelboot/internal/stieferr"
)

func TestRewriteZoneToStiefellink(t *testing.T) {
	got := RewriteZoneToStiefellink("fe80::1%eth0", "eth0")
	want := "fe80::1%25stiefellink"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSynthesizeCmdlineInitramfsTools(t *testing.T) {
	cmdline, err := SynthesizeCmdline(
		"root=/dev/nbd0 rw",
		[]modules.ID{modules.SystemDebian},
		"fe80::1%25stiefellink",
		"52:54:00:12:34:56",
	)
	if err != nil {
		t.Fatalf("SynthesizeCmdline: %v", err)
	}
	want := "root=/dev/nbd0 rw stiefel_nbdhost=fe80::1%25stiefellink stiefel_nbdname=stiefelblock stiefel_link=52:54:00:12:34:56"
	if cmdline != want {
		t.Errorf("got %q, want %q", cmdline, want)
	}
}

func TestSynthesizeCmdlineDracut(t *testing.T) {
	cmdline, err := SynthesizeCmdline(
		"",
		[]modules.ID{modules.SystemGentoo},
		"fe80::1%25stiefellink",
		"52:54:00:12:34:56",
	)
	if err != nil {
		t.Fatalf("SynthesizeCmdline: %v", err)
	}
	want := "ifname=stiefellink:52:54:00:12:34:56 ip=stiefellink:link6 netroot=nbd:[fe80::1%25stiefellink]:stiefelblock:::-persist"
	if cmdline != want {
		t.Errorf("got %q, want %q", cmdline, want)
	}
}

func TestSynthesizeCmdlineUnsupported(t *testing.T) {
	_, err := SynthesizeCmdline("", []modules.ID{"system-bsd"}, "fe80::1%25stiefellink", "aa:bb:cc:dd:ee:ff")
	if err == nil {
		t.Fatal("expected an error for an unsupported module set")
	}
	if !errors.Is(err, stieferr.ErrUnsupportedSystem) {
		t.Errorf("error = %v, want ErrUnsupportedSystem", err)
	}
}
