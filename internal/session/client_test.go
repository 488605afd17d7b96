package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"arena/internal/protocol"
	"arena/internal/transport"
)

type recordingSink struct {
	seqs []uint32
}

func (s *recordingSink) ApplySnapshot(seq uint32, _ protocol.ServerGameStateSnapshot) {
	s.seqs = append(s.seqs, seq)
}

func TestClientTickDrainsThenSendsOnce(t *testing.T) {
	for _, m := range []int{0, 1, 5, 40} {
		conn := &fakeClientConn{}
		for i := 0; i < m; i++ {
			conn.pushEnv(uint32(i+1), protocol.ServerGameStateSnapshot{})
		}
		forward := protocol.ClientInput{MoveForward: true}
		loop := NewClientLoop(ClientConfig{TickRate: 30}, conn, InputFunc(func() protocol.ClientInput { return forward }), nil)

		report, err := loop.Tick()
		if err != nil {
			t.Fatalf("m=%d: Tick failed: %v", m, err)
		}
		if conn.some != m || conn.receives != m+1 {
			t.Errorf("m=%d: %d envelopes over %d receive calls, want %d over %d", m, conn.some, conn.receives, m, m+1)
		}
		if report.Received != m || report.Applied != m {
			t.Errorf("m=%d: report = %+v", m, report)
		}
		if len(conn.sent) != 1 || conn.sent[0] != forward {
			t.Errorf("m=%d: sent %v, want exactly one forward input", m, conn.sent)
		}
	}
}

func TestClientInputSampledOncePerTick(t *testing.T) {
	conn := &fakeClientConn{}
	for i := 0; i < 3; i++ {
		conn.pushEnv(uint32(i+1), protocol.ServerGameStateSnapshot{})
	}
	samples := 0
	loop := NewClientLoop(ClientConfig{}, conn, InputFunc(func() protocol.ClientInput {
		samples++
		return protocol.ClientInput{}
	}), nil)

	loop.Tick()
	loop.Tick()
	if samples != 2 {
		t.Errorf("input sampled %d times over 2 ticks, want 2", samples)
	}
	if loop.Ticks() != 2 {
		t.Errorf("Ticks() = %d, want 2", loop.Ticks())
	}
}

func TestClientDropsStaleSnapshots(t *testing.T) {
	conn := &fakeClientConn{}
	for _, seq := range []uint32{5, 3, 5, 6, 0, 7} {
		conn.pushEnv(seq, protocol.ServerGameStateSnapshot{})
	}
	sink := &recordingSink{}
	loop := NewClientLoop(ClientConfig{}, conn, nil, sink)

	report, err := loop.Tick()
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	want := []uint32{5, 6, 0, 7}
	if len(sink.seqs) != len(want) {
		t.Fatalf("applied %v, want %v", sink.seqs, want)
	}
	for i := range want {
		if sink.seqs[i] != want[i] {
			t.Errorf("applied %v, want %v", sink.seqs, want)
			break
		}
	}
	if report.Stale != 2 || report.Received != 6 {
		t.Errorf("report = %+v, want 2 stale of 6 received", report)
	}
}

func TestClientAcceptsRestartedServerSequence(t *testing.T) {
	conn := &fakeClientConn{}
	conn.pushEnv(5000, protocol.ServerGameStateSnapshot{})
	for seq := uint32(1); seq <= 10; seq++ {
		conn.pushEnv(seq, protocol.ServerGameStateSnapshot{})
	}
	// A late duplicate of the new stream is still stale.
	conn.pushEnv(9, protocol.ServerGameStateSnapshot{})
	sink := &recordingSink{}
	loop := NewClientLoop(ClientConfig{}, conn, nil, sink)

	report, err := loop.Tick()
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if report.Applied != 11 || report.Stale != 1 {
		t.Errorf("report = %+v, want 11 applied and 1 stale", report)
	}
	if len(sink.seqs) != 11 || sink.seqs[0] != 5000 || sink.seqs[1] != 1 || sink.seqs[10] != 10 {
		t.Errorf("applied %v, want 5000 then 1..10", sink.seqs)
	}
}

func TestClientIgnoresNonSnapshotVariants(t *testing.T) {
	conn := &fakeClientConn{}
	conn.pushEnv(1, protocol.ClientEntered{})
	conn.pushEnv(2, protocol.ClientInput{MoveBack: true})
	sink := &recordingSink{}
	loop := NewClientLoop(ClientConfig{}, conn, nil, sink)

	report, _ := loop.Tick()
	if report.Unexpected != 2 || len(sink.seqs) != 0 {
		t.Errorf("report = %+v, sink = %v", report, sink.seqs)
	}
}

func TestClientSkipsMalformed(t *testing.T) {
	conn := &fakeClientConn{}
	conn.pushEnv(1, protocol.ServerGameStateSnapshot{})
	conn.pushErr(errMalformed)
	conn.pushEnv(2, protocol.ServerGameStateSnapshot{})

	loop := NewClientLoop(ClientConfig{}, conn, nil, nil)
	report, err := loop.Tick()
	if err != nil {
		t.Fatalf("Tick failed on a malformed datagram: %v", err)
	}
	if report.Received != 2 || report.Malformed != 1 || len(conn.queue) != 0 {
		t.Errorf("report = %+v, %d left queued", report, len(conn.queue))
	}
}

func TestClientSocketErrorEndsDrain(t *testing.T) {
	conn := &fakeClientConn{}
	conn.pushEnv(1, protocol.ServerGameStateSnapshot{})
	conn.pushErr(errSocket)
	conn.pushEnv(2, protocol.ServerGameStateSnapshot{})

	loop := NewClientLoop(ClientConfig{}, conn, nil, nil)
	report, err := loop.Tick()
	if !errors.Is(err, errSocket) {
		t.Fatalf("err = %v, want the socket error", err)
	}
	if report.Received != 1 || len(conn.queue) != 1 {
		t.Errorf("report = %+v, %d left queued; want drain stopped at the error", report, len(conn.queue))
	}
	if len(conn.sent) != 1 {
		t.Errorf("%d sends, want the input still sent", len(conn.sent))
	}

	// The next tick picks up where this one stopped.
	report, err = loop.Tick()
	if err != nil || report.Received != 1 {
		t.Errorf("second tick = %+v, %v", report, err)
	}
}

func TestClientSendErrorSurfaces(t *testing.T) {
	conn := &fakeClientConn{sendErr: errSocket}
	loop := NewClientLoop(ClientConfig{}, conn, nil, nil)
	if _, err := loop.Tick(); !errors.Is(err, errSocket) {
		t.Errorf("err = %v, want the send error", err)
	}
}

func TestClientDrainCap(t *testing.T) {
	conn := &fakeClientConn{}
	for i := 0; i < 5; i++ {
		conn.pushEnv(uint32(i+1), protocol.ServerGameStateSnapshot{})
	}
	loop := NewClientLoop(ClientConfig{MaxDatagramsPerTick: 3}, conn, nil, nil)

	report, _ := loop.Tick()
	if !report.Backlogged || report.Received != 3 || len(conn.queue) != 2 {
		t.Fatalf("first tick = %+v, %d queued", report, len(conn.queue))
	}
	report, _ = loop.Tick()
	if report.Backlogged || report.Received != 2 {
		t.Errorf("second tick = %+v", report)
	}
	if len(conn.sent) != 2 {
		t.Errorf("%d sends over 2 ticks, want 2", len(conn.sent))
	}
}

func TestClientDrainCapCountsForeignDatagrams(t *testing.T) {
	conn := &fakeClientConn{}
	for i := 0; i < 10; i++ {
		conn.pushErr(&transport.ReceiveError{Err: transport.ErrForeignSource})
	}
	conn.pushEnv(1, protocol.ServerGameStateSnapshot{})
	sink := &recordingSink{}
	loop := NewClientLoop(ClientConfig{MaxDatagramsPerTick: 4}, conn, nil, sink)

	report, err := loop.Tick()
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if !report.Backlogged || report.Foreign != 4 || conn.receives != 4 {
		t.Fatalf("first tick = %+v after %d receives; want the cap hit at 4", report, conn.receives)
	}
	if len(conn.sent) != 1 {
		t.Errorf("%d sends, want the input still sent", len(conn.sent))
	}

	report, _ = loop.Tick()
	if !report.Backlogged || report.Foreign != 4 {
		t.Errorf("second tick = %+v", report)
	}
	report, _ = loop.Tick()
	if report.Backlogged || report.Foreign != 2 || report.Applied != 1 {
		t.Errorf("third tick = %+v, want the last 2 foreign and the snapshot", report)
	}
	if len(sink.seqs) != 1 {
		t.Errorf("applied %v, want the server snapshot once", sink.seqs)
	}
}

func TestClientLifecycle(t *testing.T) {
	conn := &fakeClientConn{}
	loop := NewClientLoop(ClientConfig{}, conn, nil, nil)

	if err := loop.Shutdown(); err != nil || len(conn.sent) != 0 {
		t.Fatalf("Shutdown before Start sent %v, err %v", conn.sent, err)
	}
	if err := loop.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := loop.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	want := []protocol.Kind{
		protocol.KindClientConnected,
		protocol.KindClientLoading,
		protocol.KindClientEntered,
		protocol.KindClientDisconnected,
	}
	if len(conn.sent) != len(want) {
		t.Fatalf("sent %d payloads, want %d", len(conn.sent), len(want))
	}
	for i, k := range want {
		if conn.sent[i].Kind() != k {
			t.Errorf("send %d = %v, want %v", i, conn.sent[i].Kind(), k)
		}
	}
}

func TestClientStartFailure(t *testing.T) {
	conn := &fakeClientConn{sendErr: errSocket}
	loop := NewClientLoop(ClientConfig{}, conn, nil, nil)
	if err := loop.Start(); !errors.Is(err, errSocket) {
		t.Errorf("Start err = %v, want the send error", err)
	}
	if err := loop.Run(context.Background()); !errors.Is(err, errSocket) {
		t.Errorf("Run err = %v, want the send error", err)
	}
}

func TestClientRun(t *testing.T) {
	conn := &fakeClientConn{}
	loop := NewClientLoop(ClientConfig{TickRate: 100}, conn, InputFunc(func() protocol.ClientInput {
		return protocol.ClientInput{MoveLeft: true}
	}), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(conn.sent) < 5 {
		t.Fatalf("sent %d payloads, want lifecycle plus at least one input", len(conn.sent))
	}
	if conn.sent[0].Kind() != protocol.KindClientConnected {
		t.Errorf("first send = %v", conn.sent[0].Kind())
	}
	if last := conn.sent[len(conn.sent)-1]; last.Kind() != protocol.KindClientDisconnected {
		t.Errorf("last send = %v, want ClientDisconnected", last.Kind())
	}
	inputs := 0
	for _, p := range conn.sent {
		if p.Kind() == protocol.KindClientInput {
			inputs++
		}
	}
	if uint64(inputs) != loop.Ticks() {
		t.Errorf("%d inputs over %d ticks", inputs, loop.Ticks())
	}
}
