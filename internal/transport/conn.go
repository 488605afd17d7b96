// Package transport wraps a UDP socket for the game's session loops.
//
// Two profiles share one design: ClientSocket talks to a single server,
// ServerSocket talks to every address it has heard from (the Peer Registry).
// Each socket owns one receive buffer sized at construction and reused for
// every receive. Receive makes exactly one attempt and never waits when the
// socket is non-blocking; callers drain by calling it until it returns nil.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"arena/internal/protocol"
)

const (
	// DefaultBufferSize fits one Ethernet MTU.
	DefaultBufferSize = 1500

	// guardBytes is the extra space past BufferSize used to detect datagrams
	// that did not fit.
	guardBytes = 1
)

// Options configures one UDP endpoint.
type Options struct {
	BufferSize  int  // largest datagram accepted, in bytes
	Nonblocking bool // Receive returns immediately when nothing is queued
}

// DefaultOptions returns a non-blocking endpoint with an MTU-sized buffer.
func DefaultOptions() Options {
	return Options{BufferSize: DefaultBufferSize, Nonblocking: true}
}

func (o Options) validate() error {
	if o.BufferSize < protocol.HeaderSize {
		return fmt.Errorf("buffer size %d is smaller than the %d-byte envelope header", o.BufferSize, protocol.HeaderSize)
	}
	return nil
}

// packetConn is the socket surface the wrappers need. udpConn is the real
// implementation; tests substitute an in-memory one.
type packetConn interface {
	// ReadFrom makes one receive attempt. ok is false when nothing was read.
	ReadFrom(buf []byte) (n int, from netip.AddrPort, ok bool, err error)
	WriteTo(b []byte, to netip.AddrPort) (int, error)
	LocalAddr() netip.AddrPort
	Close() error
}

type udpConn struct {
	conn        *net.UDPConn
	raw         syscall.RawConn
	nonblocking bool
}

func listenUDP(addr string, nonblocking bool) (*udpConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, &BindError{Addr: addr, Err: err}
	}
	return &udpConn{conn: conn, raw: raw, nonblocking: nonblocking}, nil
}

func (u *udpConn) ReadFrom(buf []byte) (int, netip.AddrPort, bool, error) {
	if u.nonblocking {
		return u.tryRead(buf)
	}
	n, from, err := u.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, netip.AddrPort{}, false, ErrClosed
		}
		return 0, netip.AddrPort{}, false, err
	}
	return n, unmap(from), true, nil
}

func (u *udpConn) WriteTo(b []byte, to netip.AddrPort) (int, error) {
	return u.conn.WriteToUDPAddrPort(b, to)
}

func (u *udpConn) LocalAddr() netip.AddrPort {
	if a, ok := u.conn.LocalAddr().(*net.UDPAddr); ok {
		return unmap(a.AddrPort())
	}
	return netip.AddrPort{}
}

func (u *udpConn) Close() error {
	return u.conn.Close()
}

// unmap normalizes IPv4-mapped IPv6 sources so one peer has one registry key.
func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// stamper builds outbound envelopes. Each socket owns one, so sequence
// numbers increase per socket starting at 1 and wrap at u32 max.
type stamper struct {
	seq uint32
	buf []byte
}

// encode wraps p in the next envelope. The returned slice is reused by the
// following call.
func (s *stamper) encode(p protocol.Payload) ([]byte, error) {
	env := protocol.NewEnvelope(s.seq+1, p)
	b, err := protocol.AppendEncode(s.buf[:0], env)
	if err != nil {
		return nil, err
	}
	s.seq++
	s.buf = b
	return b, nil
}

// Sequence returns the last sequence index stamped.
func (s *stamper) Sequence() uint32 { return s.seq }
