package transport

import (
	"net"
	"net/netip"

	"arena/internal/logging"
	"arena/internal/metrics"
	"arena/internal/protocol"
)

// ClientSocket is the single-peer UDP endpoint. After Connect it sends only
// to the server and discards datagrams from any other source.
type ClientSocket struct {
	conn  packetConn
	buf   []byte
	limit int
	peer  netip.AddrPort
	out   stamper
}

// BindClient creates the client endpoint on addr, usually "0.0.0.0:0".
func BindClient(addr string, opts Options) (*ClientSocket, error) {
	if err := opts.validate(); err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	conn, err := listenUDP(addr, opts.Nonblocking)
	if err != nil {
		return nil, err
	}
	logging.Info("📡 UDP client bound on %s", conn.LocalAddr())
	return newClientSocket(conn, opts), nil
}

func newClientSocket(conn packetConn, opts Options) *ClientSocket {
	return &ClientSocket{
		conn:  conn,
		buf:   make([]byte, opts.BufferSize+guardBytes),
		limit: opts.BufferSize,
	}
}

// Connect fixes the server address. It can be called again to retarget.
func (c *ClientSocket) Connect(addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &ConnectError{Addr: addr, Err: err}
	}
	ap := unmap(raddr.AddrPort())
	if !ap.Addr().IsValid() || ap.Port() == 0 {
		return &ConnectError{Addr: addr, Err: net.InvalidAddrError("missing host or port")}
	}
	if ap.Addr().IsUnspecified() {
		// Sending to 0.0.0.0 reaches the local host; replies come from loopback.
		if ap.Addr().Is4() {
			ap = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), ap.Port())
		} else {
			ap = netip.AddrPortFrom(netip.IPv6Loopback(), ap.Port())
		}
	}
	c.peer = ap
	logging.Info("🔗 Client connected to %s", ap)
	return nil
}

// Peer returns the connected server address, or the zero value.
func (c *ClientSocket) Peer() netip.AddrPort { return c.peer }

// LocalAddr returns the bound address.
func (c *ClientSocket) LocalAddr() netip.AddrPort { return c.conn.LocalAddr() }

// Close releases the socket.
func (c *ClientSocket) Close() error { return c.conn.Close() }

// Sequence returns the sequence index of the last envelope sent.
func (c *ClientSocket) Sequence() uint32 { return c.out.Sequence() }

// Send wraps payload in an envelope and sends it to the connected server.
func (c *ClientSocket) Send(payload protocol.Payload) error {
	if !c.peer.IsValid() {
		return &SendError{Kind: payload.Kind(), Err: ErrNotConnected}
	}
	b, err := c.out.encode(payload)
	if err != nil {
		return &SendError{Peer: c.peer, Kind: payload.Kind(), Err: err}
	}
	if _, err := c.conn.WriteTo(b, c.peer); err != nil {
		metrics.SendFailure()
		return &SendError{Peer: c.peer, Kind: payload.Kind(), Err: err}
	}
	metrics.DatagramOut(payload.Kind().String(), len(b))
	return nil
}

// Receive makes one receive attempt and returns the decoded envelope, or
// (nil, nil) when nothing is queued. A datagram from a source other than the
// connected server is dropped and reported as ErrForeignSource, so callers
// count it against their drain budget like any other bad datagram.
func (c *ClientSocket) Receive() (*protocol.Envelope, error) {
	n, from, ok, err := c.conn.ReadFrom(c.buf)
	if err != nil {
		return nil, &ReceiveError{Err: err}
	}
	if !ok {
		return nil, nil
	}
	if c.peer.IsValid() && from != c.peer {
		metrics.Dropped("foreign")
		if logging.DebugEnabled() {
			logging.Debug("🚫 dropped %d bytes from foreign source %s", n, from)
		}
		return nil, &ReceiveError{From: from, Err: ErrForeignSource}
	}
	if n > c.limit {
		metrics.Dropped("malformed")
		return nil, &ReceiveError{From: from, Err: ErrDatagramTooLarge}
	}
	env, err := protocol.Decode(c.buf[:n])
	if err != nil {
		metrics.Dropped("malformed")
		return nil, &ReceiveError{From: from, Err: err}
	}
	metrics.DatagramIn(env.Content.Kind().String(), n)
	return &env, nil
}
