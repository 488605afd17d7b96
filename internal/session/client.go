package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arena/internal/logging"
	"arena/internal/metrics"
	"arena/internal/protocol"
	"arena/internal/transport"
)

// InputSource provides the local player's directional intent. It is sampled
// once per tick.
type InputSource interface {
	Sample() protocol.ClientInput
}

// InputFunc adapts a function to InputSource.
type InputFunc func() protocol.ClientInput

func (f InputFunc) Sample() protocol.ClientInput { return f() }

// SnapshotSink receives every accepted server snapshot.
type SnapshotSink interface {
	ApplySnapshot(seq uint32, snap protocol.ServerGameStateSnapshot)
}

// SnapshotFunc adapts a function to SnapshotSink.
type SnapshotFunc func(seq uint32, snap protocol.ServerGameStateSnapshot)

func (f SnapshotFunc) ApplySnapshot(seq uint32, snap protocol.ServerGameStateSnapshot) {
	f(seq, snap)
}

// ClientConfig tunes the client loop.
type ClientConfig struct {
	TickRate            int // ticks per second
	MaxDatagramsPerTick int // drain cap; 0 means unbounded
}

// DefaultClientConfig returns the reference debug rate of 1 Hz.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{TickRate: 1, MaxDatagramsPerTick: 256}
}

// ClientLoop is the client side of the session. It owns its transport.
type ClientLoop struct {
	cfg   ClientConfig
	conn  ClientTransport
	input InputSource
	sink  SnapshotSink

	lastSnapshot uint32 // sequence of the last accepted snapshot, 0 if none
	ticks        uint64
	started      bool
}

// NewClientLoop wires a connected client transport to the gameplay side.
func NewClientLoop(cfg ClientConfig, conn ClientTransport, input InputSource, sink SnapshotSink) *ClientLoop {
	if input == nil {
		input = InputFunc(func() protocol.ClientInput { return protocol.ClientInput{} })
	}
	if sink == nil {
		sink = SnapshotFunc(func(uint32, protocol.ServerGameStateSnapshot) {})
	}
	return &ClientLoop{cfg: cfg, conn: conn, input: input, sink: sink}
}

// Start announces the client: ClientConnected, ClientLoading, ClientEntered.
func (c *ClientLoop) Start() error {
	for _, p := range []protocol.Payload{
		protocol.ClientConnected{},
		protocol.ClientLoading{},
		protocol.ClientEntered{},
	} {
		if err := c.conn.Send(p); err != nil {
			return fmt.Errorf("announce %s: %w", p.Kind(), err)
		}
	}
	c.started = true
	logging.Info("🎮 Client entered the game")
	return nil
}

// Shutdown tells the server the client is leaving. Best effort: UDP gives no
// delivery guarantee.
func (c *ClientLoop) Shutdown() error {
	if !c.started {
		return nil
	}
	c.started = false
	if err := c.conn.Send(protocol.ClientDisconnected{}); err != nil {
		return fmt.Errorf("announce disconnect: %w", err)
	}
	logging.Info("👋 Client disconnected")
	return nil
}

// Ticks returns the number of ticks run.
func (c *ClientLoop) Ticks() uint64 { return c.ticks }

// Tick drains the socket, then sends one ClientInput.
//
// A datagram that fails to decode is counted and skipped. A socket error ends
// the drain; the input is still sent and the error is returned alongside any
// send error.
func (c *ClientLoop) Tick() (TickReport, error) {
	start := time.Now()
	defer func() { metrics.RecordTick("client", time.Since(start)) }()

	c.ticks++
	var report TickReport
	var recvErr error

	for {
		if c.cfg.MaxDatagramsPerTick > 0 && report.drained() >= c.cfg.MaxDatagramsPerTick {
			report.Backlogged = true
			metrics.Backlogged("client")
			logging.Warn("⚠️ Client drain capped at %d datagrams", c.cfg.MaxDatagramsPerTick)
			break
		}
		env, err := c.conn.Receive()
		if err != nil {
			if transport.IsDatagramError(err) {
				report.countDropped(err)
				if !errors.Is(err, transport.ErrForeignSource) {
					logging.Warn("⚠️ Dropped datagram: %v", err)
				}
				continue
			}
			recvErr = err
			break
		}
		if env == nil {
			break
		}
		report.Received++
		c.dispatch(env, &report)
	}

	sendErr := c.conn.Send(c.input.Sample())
	return report, errors.Join(recvErr, sendErr)
}

func (c *ClientLoop) dispatch(env *protocol.Envelope, report *TickReport) {
	snap, ok := env.Content.(protocol.ServerGameStateSnapshot)
	if !ok {
		report.Unexpected++
		metrics.Dropped("unexpected")
		logging.Debug("📭 Ignoring %s from server", env.Content.Kind())
		return
	}

	seq := env.SequenceIndex
	if seq != 0 {
		if c.lastSnapshot != 0 && protocol.SeqRestarted(seq, c.lastSnapshot) {
			logging.Info("🔄 Server sequence restarted at %d (last %d)", seq, c.lastSnapshot)
			c.lastSnapshot = 0
		}
		if c.lastSnapshot != 0 && !protocol.SeqNewer(seq, c.lastSnapshot) {
			report.Stale++
			metrics.Dropped("stale")
			logging.Debug("⏪ Stale snapshot %d (last %d)", seq, c.lastSnapshot)
			return
		}
		c.lastSnapshot = seq
	}

	if logging.DebugEnabled() {
		logging.Debug("📸 Snapshot %d with %d players", seq, snap.Len())
	}
	c.sink.ApplySnapshot(seq, snap)
	report.Applied++
}

// Run announces the client, ticks at the configured rate until ctx is
// cancelled, then announces the disconnect. Tick errors are logged, not
// returned.
func (c *ClientLoop) Run(ctx context.Context) error {
	if err := c.Start(); err != nil {
		return err
	}
	logging.Info("⏱️ Client loop running at %d Hz", c.cfg.TickRate)

	runTicks(ctx, tickInterval(c.cfg.TickRate), func() {
		if _, err := c.Tick(); err != nil {
			logging.Error("❌ Client tick %d: %v", c.ticks, err)
		}
	})

	if err := c.Shutdown(); err != nil {
		logging.Warn("⚠️ %v", err)
	}
	return nil
}
