package session

import (
	"context"
	"sync/atomic"
	"time"

	"arena/internal/game"
	"arena/internal/logging"
	"arena/internal/metrics"
	"arena/internal/protocol"
	"arena/internal/transport"
)

// World is the gameplay state the server folds inputs into.
type World interface {
	Join(id uint8)
	Leave(id uint8)
	ApplyInput(id uint8, in protocol.ClientInput)
	Step(dt float64)
	// Snapshot reports the players in the given id order.
	Snapshot(order []uint8) protocol.ServerGameStateSnapshot
}

var _ World = (*game.World)(nil)

// LeaveReason says why a peer left the registry.
type LeaveReason string

const (
	LeaveDisconnect LeaveReason = "disconnect"
	LeaveIdle       LeaveReason = "idle"
)

// PeerObserver is told about registry changes. Calls come from the server
// loop and must not block.
type PeerObserver interface {
	PeerJoined(p transport.Peer)
	PeerLeft(p transport.Peer, reason LeaveReason)
}

// ServerConfig tunes the server loop.
type ServerConfig struct {
	TickRate            int           // ticks per second
	MaxDatagramsPerTick int           // drain cap; 0 means unbounded
	PeerIdleTimeout     time.Duration // 0 disables idle eviction
	EvictOnDisconnect   bool
}

// DefaultServerConfig returns the reference debug rate of 1 Hz.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		TickRate:            1,
		MaxDatagramsPerTick: 1024,
		PeerIdleTimeout:     10 * time.Second,
		EvictOnDisconnect:   true,
	}
}

// Stats accumulates tick reports over the life of the loop.
type Stats struct {
	Ticks        uint64 `json:"ticks"`
	Received     uint64 `json:"received"`
	Applied      uint64 `json:"applied"`
	Stale        uint64 `json:"stale"`
	Unexpected   uint64 `json:"unexpected"`
	Malformed    uint64 `json:"malformed"`
	RateLimited  uint64 `json:"rateLimited"`
	Rejected     uint64 `json:"rejected"`
	Joined       uint64 `json:"joined"`
	Evicted      uint64 `json:"evicted"`
	Backlogged   uint64 `json:"backloggedTicks"`
	Sent         uint64 `json:"sent"`
	SendFailures uint64 `json:"sendFailures"`
}

func (s *Stats) add(r TickReport) {
	s.Ticks++
	s.Received += uint64(r.Received)
	s.Applied += uint64(r.Applied)
	s.Stale += uint64(r.Stale)
	s.Unexpected += uint64(r.Unexpected)
	s.Malformed += uint64(r.Malformed)
	s.RateLimited += uint64(r.RateLimited)
	s.Rejected += uint64(r.Rejected)
	s.Joined += uint64(r.Joined)
	s.Evicted += uint64(r.Evicted)
	if r.Backlogged {
		s.Backlogged++
	}
	s.Sent += uint64(r.Fanout.Sent)
	s.SendFailures += uint64(len(r.Fanout.Failures))
}

// View is a read-only picture of the server after a tick. A new View is
// published every tick; readers must not modify it.
type View struct {
	Tick      uint64
	UpdatedAt time.Time
	Peers     []transport.Peer
	Last      TickReport
	Stats     Stats
}

// ServerLoop is the server side of the session. It is the only goroutine
// touching its transport and world; other goroutines read View and the
// snapshot source.
type ServerLoop struct {
	cfg       ServerConfig
	conn      ServerTransport
	world     World
	observer  PeerObserver
	snapshots *game.SnapshotSource

	stats Stats
	view  atomic.Pointer[View]
	now   func() time.Time
}

// NewServerLoop wires a bound server transport to the world. observer and
// snapshots may be nil.
func NewServerLoop(cfg ServerConfig, conn ServerTransport, world World, observer PeerObserver, snapshots *game.SnapshotSource) *ServerLoop {
	s := &ServerLoop{
		cfg:       cfg,
		conn:      conn,
		world:     world,
		observer:  observer,
		snapshots: snapshots,
		now:       time.Now,
	}
	s.view.Store(&View{})
	return s
}

// View returns the state published by the last tick. Safe from any goroutine.
func (s *ServerLoop) View() *View { return s.view.Load() }

// Tick drains the socket, folds the datagrams into the world, evicts idle
// peers, steps the world and broadcasts one snapshot to every peer.
//
// Per-datagram failures are counted and skipped. A socket error ends the
// drain; the snapshot is still broadcast and the error is returned.
func (s *ServerLoop) Tick() (TickReport, error) {
	start := time.Now()
	defer func() { metrics.RecordTick("server", time.Since(start)) }()

	var report TickReport
	var recvErr error

	for {
		if s.cfg.MaxDatagramsPerTick > 0 && report.drained() >= s.cfg.MaxDatagramsPerTick {
			report.Backlogged = true
			metrics.Backlogged("server")
			logging.Warn("⚠️ Server drain capped at %d datagrams, rest left for next tick", s.cfg.MaxDatagramsPerTick)
			break
		}
		d, err := s.conn.Receive()
		if d != nil && d.NewPeer && d.Peer != nil {
			s.join(d.Peer, &report)
		}
		if err != nil {
			if transport.IsDatagramError(err) {
				report.countDropped(err)
				if logging.DebugEnabled() {
					logging.Debug("🚫 %v", err)
				}
				continue
			}
			recvErr = err
			break
		}
		if d == nil {
			break
		}
		report.Received++
		s.dispatch(d, &report)
	}

	if evicted := s.conn.Registry().EvictIdle(s.now(), s.cfg.PeerIdleTimeout); len(evicted) > 0 {
		for _, p := range evicted {
			s.leave(p, LeaveIdle, &report)
		}
		metrics.SetPeers(s.conn.Registry().Len())
	}

	s.world.Step(tickInterval(s.cfg.TickRate).Seconds())

	reg := s.conn.Registry()
	snap := s.world.Snapshot(reg.IDs())
	report.Fanout = s.conn.SendToAll(snap)

	s.stats.add(report)
	if s.snapshots != nil {
		s.snapshots.Publish(s.stats.Ticks, snap)
	}
	s.view.Store(&View{
		Tick:      s.stats.Ticks,
		UpdatedAt: s.now(),
		Peers:     reg.Peers(),
		Last:      report,
		Stats:     s.stats,
	})

	return report, recvErr
}

func (s *ServerLoop) dispatch(d *transport.Datagram, report *TickReport) {
	p := d.Peer
	if d.Stale {
		report.Stale++
		metrics.Dropped("stale")
		if logging.DebugEnabled() {
			logging.Debug("⏪ Stale %s from player %d (seq %d, last %d)", d.Envelope.Content.Kind(), p.ID, d.Envelope.SequenceIndex, p.LastSequence)
		}
		return
	}

	switch c := d.Envelope.Content.(type) {
	case protocol.ClientConnected:
		s.setPhase(p, transport.PhaseConnected)
	case protocol.ClientLoading:
		s.setPhase(p, transport.PhaseLoading)
	case protocol.ClientEntered:
		s.setPhase(p, transport.PhaseEntered)
	case protocol.ClientInput:
		s.world.ApplyInput(p.ID, c)
		report.Applied++
	case protocol.ClientDisconnected:
		if !s.cfg.EvictOnDisconnect {
			logging.Info("👋 Player %d (%s) disconnected", p.ID, p.Addr)
			return
		}
		if removed, ok := s.conn.Registry().Remove(p.Addr); ok {
			s.leave(removed, LeaveDisconnect, report)
			metrics.SetPeers(s.conn.Registry().Len())
		}
	default:
		report.Unexpected++
		metrics.Dropped("unexpected")
		logging.Warn("⚠️ Unexpected %s from %s, discarded", c.Kind(), p.Addr)
	}
}

func (s *ServerLoop) setPhase(p *transport.Peer, phase transport.Phase) {
	if p.Phase == phase {
		return
	}
	p.Phase = phase
	logging.Info("🎮 Player %d (%s) %s", p.ID, p.Addr, phase)
}

func (s *ServerLoop) join(p *transport.Peer, report *TickReport) {
	s.world.Join(p.ID)
	report.Joined++
	if s.observer != nil {
		s.observer.PeerJoined(*p)
	}
}

func (s *ServerLoop) leave(p *transport.Peer, reason LeaveReason, report *TickReport) {
	s.world.Leave(p.ID)
	report.Evicted++
	metrics.Evicted(string(reason))
	logging.Info("👋 Player %d (%s) removed: %s", p.ID, p.Addr, reason)
	if s.observer != nil {
		s.observer.PeerLeft(*p, reason)
	}
}

// Run ticks at the configured rate until ctx is cancelled. Tick errors are
// logged, not returned.
func (s *ServerLoop) Run(ctx context.Context) error {
	logging.Info("⏱️ Server loop running at %d Hz", s.cfg.TickRate)

	runTicks(ctx, tickInterval(s.cfg.TickRate), func() {
		report, err := s.Tick()
		if err != nil {
			logging.Error("❌ Server tick %d: %v", s.stats.Ticks, err)
		}
		if logging.DebugEnabled() {
			logging.Debug("🔁 Tick %d: received=%d applied=%d sent=%d/%d", s.stats.Ticks, report.Received, report.Applied, report.Fanout.Sent, report.Fanout.Attempted)
		}
	})

	logging.Info("🛑 Server loop stopped after %d ticks", s.stats.Ticks)
	return nil
}
