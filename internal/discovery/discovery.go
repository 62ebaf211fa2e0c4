//go:build linux

// Package discovery implements the link-local multicast transport shared by
// the server announcer, the client's find-server loop, and the autokexec
// broadcast watcher (spec §4.2).
package discovery

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/cozystack/stiefelboot/internal/config"
)

// ReceiveWindow is the per-iteration receive timeout mandated by spec §4.2.
const ReceiveWindow = 1 * time.Second

// Socket is a bound, multicast-joined UDP6 discovery socket.
type Socket struct {
	conn *net.UDPConn
	fd   int
}

// Listen opens the discovery socket, bound to [::]:61570 with SO_REUSEADDR
// and joined to the all-nodes link-local multicast group, with
// IPV6_MULTICAST_LOOP enabled for testability (spec §4.2).
func Listen() (*Socket, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp6", fmt.Sprintf("[::]:%d", config.DiscoveryPort))
	if err != nil {
		return nil, errors.Wrap(err, "discovery: listen")
	}
	conn := pc.(*net.UDPConn)

	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "discovery: syscall conn")
	}

	var fd int
	err = rawConn.Control(func(f uintptr) { fd = int(f) })
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "discovery: control")
	}

	mreq := &unix.IPv6Mreq{}
	copy(mreq.Multiaddr[:], config.MulticastGroup.To16())
	if err := unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "discovery: join multicast group")
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, 1); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "discovery: enable multicast loop")
	}

	return &Socket{conn: conn, fd: fd}, nil
}

// SetMulticastInterface restricts outgoing multicast sends to the named
// interface (spec §4.2: "sets IPV6_MULTICAST_IF to that interface index").
func (s *Socket) SetMulticastInterface(ifaceIndex int) error {
	return unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF, ifaceIndex)
}

// SendTo transmits data to the all-nodes multicast group on port 61570.
func (s *Socket) SendTo(data []byte) error {
	dst := &net.UDPAddr{IP: config.MulticastGroup, Port: config.DiscoveryPort}
	_, err := s.conn.WriteToUDP(data, dst)
	if err != nil {
		return errors.Wrap(err, "discovery: send")
	}
	return nil
}

// ReplyTo transmits data directly back to a previously observed source
// address (used for server-hello and autokexec-hello unicast replies).
func (s *Socket) ReplyTo(data []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(data, addr)
	if err != nil {
		return errors.Wrap(err, "discovery: reply")
	}
	return nil
}

// Datagram is one received UDP packet along with its source address and,
// when available, the interface name derived from the address's IPv6
// zone (spec §4.2: "the zone identifier ... is the interface name that
// received the reply").
type Datagram struct {
	Data      []byte
	Addr      *net.UDPAddr
	Interface string
}

// Receive blocks until a datagram arrives or ReceiveWindow elapses,
// whichever comes first (spec §4.2's "1-second receive window").
func (s *Socket) Receive() (Datagram, bool, error) {
	buf := make([]byte, 65536)
	if err := s.conn.SetReadDeadline(time.Now().Add(ReceiveWindow)); err != nil {
		return Datagram{}, false, errors.Wrap(err, "discovery: set deadline")
	}

	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Datagram{}, false, nil
		}
		return Datagram{}, false, errors.Wrap(err, "discovery: receive")
	}

	const maxPayload = 1024
	if n > maxPayload {
		n = maxPayload
	}

	data := make([]byte, n)
	copy(data, buf[:n])

	return Datagram{Data: data, Addr: addr, Interface: addr.Zone}, true, nil
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}
