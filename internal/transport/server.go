package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"arena/internal/logging"
	"arena/internal/metrics"
	"arena/internal/protocol"

	"golang.org/x/time/rate"
)

// ServerOptions configures the peer registry of a ServerSocket.
type ServerOptions struct {
	Capacity      int     // registry allocation hint
	MaxPeers      int     // registration cap
	PeerRateLimit float64 // datagrams per second per peer; 0 disables
	PeerBurst     int
}

// DefaultServerOptions preallocates room for 32 peers and admits as many as
// a full snapshot can carry in one DefaultBufferSize datagram. The flood
// limiter is off.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{Capacity: 32, MaxPeers: MaxPeersForBuffer(DefaultBufferSize)}
}

// Datagram is one received envelope and the peer that sent it.
type Datagram struct {
	From     netip.AddrPort
	Peer     *Peer // nil when the registry was full
	NewPeer  bool  // this datagram registered Peer
	Stale    bool  // sequence not newer than the peer's last accepted one
	Envelope protocol.Envelope
}

// FanoutReport summarizes one SendToAll.
type FanoutReport struct {
	Attempted int
	Sent      int
	Failures  []error
}

// Err joins the per-peer failures, or returns nil.
func (r FanoutReport) Err() error {
	return errors.Join(r.Failures...)
}

// ServerSocket is the multi-peer UDP endpoint.
type ServerSocket struct {
	conn     packetConn
	buf      []byte
	limit    int
	registry *Registry
	out      stamper
	now      func() time.Time
}

// BindServer creates the server endpoint on addr.
func BindServer(addr string, opts Options, sopts ServerOptions) (*ServerSocket, error) {
	if err := opts.validate(); err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	conn, err := listenUDP(addr, opts.Nonblocking)
	if err != nil {
		return nil, err
	}
	s := newServerSocket(conn, opts, sopts)
	logging.Info("📡 UDP server bound on %s (buffer %d bytes, max %d peers)", conn.LocalAddr(), opts.BufferSize, s.registry.cfg.MaxPeers)
	return s, nil
}

func newServerSocket(conn packetConn, opts Options, sopts ServerOptions) *ServerSocket {
	return &ServerSocket{
		conn:  conn,
		buf:   make([]byte, opts.BufferSize+guardBytes),
		limit: opts.BufferSize,
		registry: NewRegistry(RegistryConfig{
			Capacity:      sopts.Capacity,
			MaxPeers:      sopts.MaxPeers,
			PeerRateLimit: rate.Limit(sopts.PeerRateLimit),
			PeerBurst:     sopts.PeerBurst,
		}),
		now: time.Now,
	}
}

// LocalAddr returns the bound address.
func (s *ServerSocket) LocalAddr() netip.AddrPort { return s.conn.LocalAddr() }

// Registry exposes the peer registry to the owning session loop.
func (s *ServerSocket) Registry() *Registry { return s.registry }

// Close releases the socket.
func (s *ServerSocket) Close() error { return s.conn.Close() }

// Receive makes one receive attempt. It returns (nil, nil) when nothing is
// queued.
//
// An unseen sender is registered before the datagram is decoded, so a
// malformed datagram still registers its address. When the error concerns a
// single datagram (IsDatagramError), the returned Datagram still describes
// the sender and the caller may keep draining.
func (s *ServerSocket) Receive() (*Datagram, error) {
	n, from, ok, err := s.conn.ReadFrom(s.buf)
	if err != nil {
		return nil, &ReceiveError{Err: err}
	}
	if !ok {
		return nil, nil
	}

	now := s.now()
	d := &Datagram{From: from}

	peer, added, err := s.registry.Touch(from, now)
	if err != nil {
		metrics.Dropped(dropReason(err))
		return d, &ReceiveError{From: from, Err: err}
	}
	d.Peer, d.NewPeer = peer, added
	if added {
		metrics.SetPeers(s.registry.Len())
		logging.Info("🔌 Client socket added: %s (player %d, %d total)", from, peer.ID, s.registry.Len())
	}
	peer.Datagrams++

	if err := s.admit(peer, n, now); err != nil {
		metrics.Dropped(dropReason(err))
		return d, &ReceiveError{From: from, Err: err}
	}

	env, err := protocol.Decode(s.buf[:n])
	if err != nil {
		metrics.Dropped("malformed")
		return d, &ReceiveError{From: from, Err: err}
	}
	d.Envelope = env
	metrics.DatagramIn(env.Content.Kind().String(), n)

	// ClientConnected starts a new stream: a restarted client counts from 1
	// again. A large backward jump means the same, even if ClientConnected
	// was lost.
	switch {
	case env.Content.Kind() == protocol.KindClientConnected, env.SequenceIndex == 0:
	case peer.LastSequence == 0:
	case protocol.SeqRestarted(env.SequenceIndex, peer.LastSequence):
		logging.Info("🔄 %s restarted its sequence at %d (last %d)", from, env.SequenceIndex, peer.LastSequence)
	case !protocol.SeqNewer(env.SequenceIndex, peer.LastSequence):
		d.Stale = true
	}
	if !d.Stale {
		peer.LastSequence = env.SequenceIndex
		peer.LastSeen = now
	}

	if logging.DebugEnabled() {
		logging.Debug("⬇️ %s from %s seq=%d stale=%v", env.Content.Kind(), from, env.SequenceIndex, d.Stale)
	}
	return d, nil
}

func (s *ServerSocket) admit(p *Peer, n int, now time.Time) error {
	if n > s.limit {
		return ErrDatagramTooLarge
	}
	if !p.allow(now) {
		return ErrRateLimited
	}
	return nil
}

// SendTo sends payload to the peer at index in registry order.
func (s *ServerSocket) SendTo(index int, payload protocol.Payload) error {
	p := s.registry.At(index)
	if p == nil {
		return &SendError{Kind: payload.Kind(), Err: fmt.Errorf("%w: index %d of %d", ErrNoPeer, index, s.registry.Len())}
	}
	b, err := s.out.encode(payload)
	if err != nil {
		return &SendError{Peer: p.Addr, Kind: payload.Kind(), Err: err}
	}
	return s.write(b, p.Addr, payload.Kind())
}

// SendToAll sends one envelope to every registered peer. A failure to one
// peer is logged and recorded in the report; the remaining peers are still
// attempted.
func (s *ServerSocket) SendToAll(payload protocol.Payload) FanoutReport {
	var report FanoutReport
	if s.registry.Len() == 0 {
		return report
	}

	b, err := s.out.encode(payload)
	if err != nil {
		report.Failures = append(report.Failures, &SendError{Kind: payload.Kind(), Err: err})
		logging.Error("❌ encode %s: %v", payload.Kind(), err)
		return report
	}

	for _, p := range s.registry.peers {
		report.Attempted++
		if err := s.write(b, p.Addr, payload.Kind()); err != nil {
			report.Failures = append(report.Failures, err)
			logging.Warn("⚠️ %v", err)
			continue
		}
		report.Sent++
	}
	return report
}

func (s *ServerSocket) write(b []byte, to netip.AddrPort, kind protocol.Kind) error {
	if _, err := s.conn.WriteTo(b, to); err != nil {
		metrics.SendFailure()
		return &SendError{Peer: to, Kind: kind, Err: err}
	}
	metrics.DatagramOut(kind.String(), len(b))
	return nil
}

// Sequence returns the sequence index of the last envelope sent.
func (s *ServerSocket) Sequence() uint32 { return s.out.Sequence() }
