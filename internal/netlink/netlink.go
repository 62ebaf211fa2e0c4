//go:build linux

// Package netlink enumerates and manipulates network interfaces via
// rtnetlink, adapted from the teacher's internal/network package. It backs
// two spec requirements: the discovery sender's per-interface iteration
// (spec §4.2, bringing down interfaces up) and the autokexec MAC-trigger's hotplug watch (spec §4.3), which replaces
// the original Python implementation's pyudev monitor.
package netlink

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jsimonetti/rtnetlink/v2"
	"golang.org/x/sys/unix"
)

// OperState mirrors the kernel's IF_OPER_* states relevant to discovery.
type OperState string

const (
	OperUp      OperState = "up"
	OperDown    OperState = "down"
	OperUnknown OperState = "unknown"
)

// Link describes one network interface as seen through rtnetlink.
type Link struct {
	Name         string
	Index        uint32
	OperState    OperState
	HardwareAddr net.HardwareAddr

	// SlaveKind is "bond", "bridge", or "" for a standalone interface.
	// The discovery sender does not consult it: slave interfaces that are
	// up get a find-server datagram like any other.
	SlaveKind string
}

// IsSlave reports whether the link is a bond or bridge member.
func (l Link) IsSlave() bool { return l.SlaveKind != "" }

// ListLinks enumerates all network interfaces via rtnetlink.
func ListLinks() ([]Link, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, errors.Wrap(err, "netlink: dial rtnetlink")
	}
	defer conn.Close()

	msgs, err := conn.Link.List()
	if err != nil {
		return nil, errors.Wrap(err, "netlink: list links")
	}

	links := make([]Link, 0, len(msgs))
	for _, m := range msgs {
		links = append(links, fromLinkMessage(m))
	}
	return links, nil
}

func fromLinkMessage(m rtnetlink.LinkMessage) Link {
	l := Link{
		Name:         m.Attributes.Name,
		Index:        m.Index,
		HardwareAddr: m.Attributes.Address,
		OperState:    operStateFrom(m.Attributes.OperationalState),
	}
	if m.Attributes.Info != nil {
		l.SlaveKind = m.Attributes.Info.SlaveKind
	}
	return l
}

func operStateFrom(s rtnetlink.OperationalState) OperState {
	switch s {
	case rtnetlink.OperStateUp:
		return OperUp
	case rtnetlink.OperStateDown, rtnetlink.OperStateLowerLayerDown, rtnetlink.OperStateNotPresent:
		return OperDown
	default:
		return OperUnknown
	}
}

// BringUp administratively sets the named interface up (spec §4.2: "for
// interfaces observed down, it brings them administratively up").
func BringUp(index uint32) error {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return errors.Wrap(err, "netlink: dial rtnetlink")
	}
	defer conn.Close()

	err = conn.Link.Set(&rtnetlink.LinkMessage{
		Index:  index,
		Flags:  unix.IFF_UP,
		Change: unix.IFF_UP,
	})
	if err != nil {
		return errors.Wrapf(err, "netlink: bring up interface index %d", index)
	}
	return nil
}

// pollInterval is how often WatchLinkAdd re-lists interfaces looking for
// newly appeared ones. There is no real-time requirement on the MAC trigger
// (spec §4.3 only requires "on every device-add"); a short poll loop avoids
// depending on the multicast-group receive surface of rtnetlink, which the
// teacher's codebase never exercises.
const pollInterval = 500 * time.Millisecond

// WatchLinkAdd invokes onLink once for every interface already present, and
// again for every interface that subsequently appears, until onLink returns
// true (meaning: stop watching) or ctx is cancelled.
func WatchLinkAdd(ctx context.Context, onLink func(Link) bool) error {
	seen := make(map[uint32]bool)

	check := func() (bool, error) {
		links, err := ListLinks()
		if err != nil {
			return false, err
		}
		for _, l := range links {
			if seen[l.Index] {
				continue
			}
			seen[l.Index] = true
			if onLink(l) {
				return true, nil
			}
		}
		return false, nil
	}

	if stop, err := check(); err != nil {
		return err
	} else if stop {
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stop, err := check()
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
}
