package transport

import (
	"errors"
	"testing"
	"time"

	"arena/internal/protocol"
)

func newTestServer(t *testing.T, sopts ServerOptions) (*ServerSocket, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s := newServerSocket(conn, DefaultOptions(), sopts)
	clock := time.Unix(1000, 0)
	s.now = func() time.Time { return clock }
	return s, conn
}

func TestServerReceiveEmpty(t *testing.T) {
	s, _ := newTestServer(t, DefaultServerOptions())
	d, err := s.Receive()
	if d != nil || err != nil {
		t.Fatalf("Receive on empty socket = %+v, %v; want nil, nil", d, err)
	}
}

func TestServerReceiveRegistersSenders(t *testing.T) {
	s, conn := newTestServer(t, DefaultServerOptions())
	conn.push(addr(1), mustEncode(t, 1, protocol.ClientConnected{}))
	conn.push(addr(2), mustEncode(t, 1, protocol.ClientConnected{}))
	conn.push(addr(1), mustEncode(t, 2, protocol.ClientInput{MoveLeft: true}))

	want := []struct {
		from    int
		newPeer bool
		kind    protocol.Kind
	}{
		{1, true, protocol.KindClientConnected},
		{2, true, protocol.KindClientConnected},
		{1, false, protocol.KindClientInput},
	}
	for i, w := range want {
		d, err := s.Receive()
		if err != nil {
			t.Fatalf("Receive #%d failed: %v", i, err)
		}
		if d.From != addr(w.from) || d.NewPeer != w.newPeer || d.Envelope.Content.Kind() != w.kind {
			t.Errorf("Receive #%d = from %v new %v kind %v; want from %v new %v kind %v",
				i, d.From, d.NewPeer, d.Envelope.Content.Kind(), addr(w.from), w.newPeer, w.kind)
		}
	}
	if d, err := s.Receive(); d != nil || err != nil {
		t.Errorf("Receive after drain = %+v, %v", d, err)
	}
	if s.Registry().Len() != 2 {
		t.Errorf("registry size = %d, want 2", s.Registry().Len())
	}
	p, _ := s.Registry().Lookup(addr(1))
	if p.Datagrams != 2 || p.LastSequence != 2 {
		t.Errorf("peer 1 datagrams=%d lastSeq=%d, want 2 and 2", p.Datagrams, p.LastSequence)
	}
}

func TestServerReceiveMalformedStillRegisters(t *testing.T) {
	s, conn := newTestServer(t, DefaultServerOptions())
	bad := mustEncode(t, 1, protocol.ClientEntered{})
	bad[22] = 99 // content tag
	conn.push(addr(7), bad)

	d, err := s.Receive()
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("err = %v, want ErrMalformedMessage", err)
	}
	if !IsDatagramError(err) {
		t.Error("malformed datagram should be a per-datagram error")
	}
	var rerr *ReceiveError
	if !errors.As(err, &rerr) || rerr.From != addr(7) {
		t.Errorf("err = %#v, want *ReceiveError from %v", err, addr(7))
	}
	if d == nil || d.Peer == nil || !d.NewPeer {
		t.Fatalf("datagram = %+v, want the newly registered sender", d)
	}
	if s.Registry().Len() != 1 || s.Registry().At(0).Addr != addr(7) {
		t.Error("malformed datagram did not register its sender")
	}
}

func TestServerReceiveTooLarge(t *testing.T) {
	conn := newFakeConn()
	s := newServerSocket(conn, Options{BufferSize: 64, Nonblocking: true}, DefaultServerOptions())
	conn.push(addr(1), make([]byte, 65))
	conn.push(addr(1), mustEncode(t, 1, protocol.ClientLoading{}))

	if _, err := s.Receive(); !errors.Is(err, ErrDatagramTooLarge) || !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("oversize err = %v, want ErrDatagramTooLarge wrapping ErrMalformedMessage", err)
	}
	d, err := s.Receive()
	if err != nil || d.Envelope.Content.Kind() != protocol.KindClientLoading {
		t.Errorf("datagram after oversize = %+v, %v", d, err)
	}
}

func TestServerReceiveExactlyBufferSize(t *testing.T) {
	conn := newFakeConn()
	s := newServerSocket(conn, Options{BufferSize: protocol.HeaderSize, Nonblocking: true}, DefaultServerOptions())
	conn.push(addr(1), mustEncode(t, 1, protocol.ClientEntered{}))

	if _, err := s.Receive(); err != nil {
		t.Errorf("datagram filling the buffer exactly was rejected: %v", err)
	}
}

func TestServerReceiveRegistryFull(t *testing.T) {
	s, conn := newTestServer(t, ServerOptions{MaxPeers: 1})
	conn.push(addr(1), mustEncode(t, 1, protocol.ClientConnected{}))
	conn.push(addr(2), mustEncode(t, 1, protocol.ClientConnected{}))

	if _, err := s.Receive(); err != nil {
		t.Fatalf("first Receive failed: %v", err)
	}
	d, err := s.Receive()
	if !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("err = %v, want ErrRegistryFull", err)
	}
	if d == nil || d.Peer != nil || d.From != addr(2) {
		t.Errorf("datagram = %+v, want unregistered sender %v", d, addr(2))
	}
}

func TestServerReceiveRateLimited(t *testing.T) {
	s, conn := newTestServer(t, ServerOptions{MaxPeers: 4, PeerRateLimit: 1, PeerBurst: 2})
	for seq := uint32(1); seq <= 4; seq++ {
		conn.push(addr(1), mustEncode(t, seq, protocol.ClientInput{}))
	}

	var ok, limited int
	for i := 0; i < 4; i++ {
		_, err := s.Receive()
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrRateLimited):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 2 || limited != 2 {
		t.Errorf("accepted %d, limited %d; want 2 and 2", ok, limited)
	}
}

func TestServerDefaultOptionsAdmitFullSnapshot(t *testing.T) {
	s, conn := newTestServer(t, DefaultServerOptions())
	const fit = 58
	for i := 1; i <= fit+1; i++ {
		conn.push(addr(i), mustEncode(t, 1, protocol.ClientConnected{}))
	}
	for i := 1; i <= fit; i++ {
		if _, err := s.Receive(); err != nil {
			t.Fatalf("Receive from sender %d failed: %v", i, err)
		}
	}
	if _, err := s.Receive(); !errors.Is(err, ErrRegistryFull) {
		t.Errorf("sender %d: err = %v, want ErrRegistryFull", fit+1, err)
	}
	if s.Registry().Len() != fit {
		t.Errorf("registry holds %d peers, want %d", s.Registry().Len(), fit)
	}
	if size := protocol.SnapshotSize(s.Registry().Len()); size > DefaultBufferSize {
		t.Errorf("full snapshot is %d bytes, over the %d-byte buffer", size, DefaultBufferSize)
	}
}

func TestServerReceiveStale(t *testing.T) {
	s, conn := newTestServer(t, DefaultServerOptions())
	conn.push(addr(1), mustEncode(t, 5, protocol.ClientInput{}))
	conn.push(addr(1), mustEncode(t, 4, protocol.ClientInput{MoveBack: true}))
	conn.push(addr(1), mustEncode(t, 5, protocol.ClientInput{}))
	conn.push(addr(1), mustEncode(t, 1, protocol.ClientConnected{}))
	conn.push(addr(1), mustEncode(t, 2, protocol.ClientInput{}))

	wantStale := []bool{false, true, true, false, false}
	for i, want := range wantStale {
		d, err := s.Receive()
		if err != nil {
			t.Fatalf("Receive #%d failed: %v", i, err)
		}
		if d.Stale != want {
			t.Errorf("Receive #%d stale = %v, want %v", i, d.Stale, want)
		}
	}
}

func TestServerReceiveRestartWithoutConnected(t *testing.T) {
	s, conn := newTestServer(t, DefaultServerOptions())
	conn.push(addr(1), mustEncode(t, 900, protocol.ClientInput{}))
	for seq := uint32(4); seq <= 7; seq++ {
		conn.push(addr(1), mustEncode(t, seq, protocol.ClientInput{MoveForward: true}))
	}
	conn.push(addr(1), mustEncode(t, 6, protocol.ClientInput{}))

	wantStale := []bool{false, false, false, false, false, true}
	for i, want := range wantStale {
		d, err := s.Receive()
		if err != nil {
			t.Fatalf("Receive #%d failed: %v", i, err)
		}
		if d.Stale != want {
			t.Errorf("Receive #%d seq %d stale = %v, want %v", i, d.Envelope.SequenceIndex, d.Stale, want)
		}
	}
	if p, ok := s.Registry().Lookup(addr(1)); !ok || p.LastSequence != 7 {
		t.Errorf("peer = %+v, want LastSequence 7", p)
	}
}

func TestServerStaleDatagramsDoNotRefreshLastSeen(t *testing.T) {
	s, conn := newTestServer(t, DefaultServerOptions())
	clock := time.Unix(1000, 0)
	s.now = func() time.Time { return clock }

	conn.push(addr(1), mustEncode(t, 10, protocol.ClientInput{}))
	if _, err := s.Receive(); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	clock = clock.Add(30 * time.Second)
	conn.push(addr(1), mustEncode(t, 9, protocol.ClientInput{}))
	d, err := s.Receive()
	if err != nil || !d.Stale {
		t.Fatalf("Receive = %+v, %v; want a stale datagram", d, err)
	}
	if !d.Peer.LastSeen.Equal(time.Unix(1000, 0)) {
		t.Errorf("LastSeen = %v, want unchanged by a stale datagram", d.Peer.LastSeen)
	}
	if evicted := s.Registry().EvictIdle(clock, 10*time.Second); len(evicted) != 1 {
		t.Errorf("evicted %d peers, want the silent one", len(evicted))
	}
}

func TestServerReceiveSocketError(t *testing.T) {
	s, conn := newTestServer(t, DefaultServerOptions())
	conn.readErr = errUnreachable

	d, err := s.Receive()
	if d != nil || !errors.Is(err, errUnreachable) {
		t.Fatalf("Receive = %+v, %v; want nil and the socket error", d, err)
	}
	if IsDatagramError(err) {
		t.Error("socket error classified as per-datagram")
	}
}

func TestSendToAllReachesEveryPeer(t *testing.T) {
	for _, k := range []int{0, 1, 2, 5} {
		s, conn := newTestServer(t, DefaultServerOptions())
		for i := 1; i <= k; i++ {
			conn.push(addr(i), mustEncode(t, 1, protocol.ClientConnected{}))
			if _, err := s.Receive(); err != nil {
				t.Fatalf("register peer %d: %v", i, err)
			}
		}

		snap := protocol.ServerGameStateSnapshot{
			PlayerIDs:       []uint8{0},
			PlayerPositions: []protocol.Vec3{{X: 1}},
			PlayerRotations: []protocol.Vec3{{}},
		}
		report := s.SendToAll(snap)
		if report.Attempted != k || report.Sent != k || len(report.Failures) != 0 {
			t.Errorf("k=%d: report = %+v", k, report)
		}
		if len(conn.sent) != k {
			t.Fatalf("k=%d: %d sends, want %d", k, len(conn.sent), k)
		}
		for i, out := range conn.sent {
			if out.to != addr(i+1) {
				t.Errorf("k=%d: send %d went to %v, want %v", k, i, out.to, addr(i+1))
			}
			env, err := protocol.Decode(out.data)
			if err != nil {
				t.Fatalf("k=%d: sent bytes do not decode: %v", k, err)
			}
			if env.SequenceIndex != 1 {
				t.Errorf("k=%d: sequence = %d, want 1 for every peer in one fan-out", k, env.SequenceIndex)
			}
		}
	}
}

func TestSendToAllContinuesPastFailure(t *testing.T) {
	s, conn := newTestServer(t, DefaultServerOptions())
	for i := 1; i <= 3; i++ {
		conn.push(addr(i), mustEncode(t, 1, protocol.ClientConnected{}))
		s.Receive()
	}
	conn.failTo[addr(2)] = errUnreachable

	report := s.SendToAll(protocol.ServerGameStateSnapshot{})
	if report.Attempted != 3 || report.Sent != 2 || len(report.Failures) != 1 {
		t.Fatalf("report = %+v, want 3 attempted, 2 sent, 1 failure", report)
	}
	var serr *SendError
	if !errors.As(report.Err(), &serr) || serr.Peer != addr(2) || !errors.Is(serr, errUnreachable) {
		t.Errorf("failure = %v, want SendError to %v", report.Err(), addr(2))
	}
	if len(conn.sent) != 2 || conn.sent[0].to != addr(1) || conn.sent[1].to != addr(3) {
		t.Errorf("sends = %+v, want peers 1 and 3", conn.sent)
	}
}

func TestSendToAllRejectsInvalidSnapshot(t *testing.T) {
	s, conn := newTestServer(t, DefaultServerOptions())
	conn.push(addr(1), mustEncode(t, 1, protocol.ClientConnected{}))
	s.Receive()

	report := s.SendToAll(protocol.ServerGameStateSnapshot{PlayerIDs: []uint8{1}})
	if report.Err() == nil || len(conn.sent) != 0 {
		t.Errorf("report = %+v, sends = %d; want an encode failure and no sends", report, len(conn.sent))
	}
	if s.Sequence() != 0 {
		t.Errorf("failed encode advanced the sequence to %d", s.Sequence())
	}
}

func TestSendTo(t *testing.T) {
	s, conn := newTestServer(t, DefaultServerOptions())
	conn.push(addr(1), mustEncode(t, 1, protocol.ClientConnected{}))
	conn.push(addr(2), mustEncode(t, 1, protocol.ClientConnected{}))
	s.Receive()
	s.Receive()

	if err := s.SendTo(1, protocol.ServerGameStateSnapshot{}); err != nil {
		t.Fatalf("SendTo(1) failed: %v", err)
	}
	if len(conn.sent) != 1 || conn.sent[0].to != addr(2) {
		t.Errorf("sends = %+v, want one to %v", conn.sent, addr(2))
	}
	if err := s.SendTo(2, protocol.ServerGameStateSnapshot{}); !errors.Is(err, ErrNoPeer) {
		t.Errorf("SendTo(out of range) err = %v, want ErrNoPeer", err)
	}
	if err := s.SendTo(-1, protocol.ServerGameStateSnapshot{}); !errors.Is(err, ErrNoPeer) {
		t.Errorf("SendTo(-1) err = %v, want ErrNoPeer", err)
	}
}

func TestServerSequenceIncrements(t *testing.T) {
	s, conn := newTestServer(t, DefaultServerOptions())
	conn.push(addr(1), mustEncode(t, 1, protocol.ClientConnected{}))
	s.Receive()

	for i := 0; i < 3; i++ {
		s.SendToAll(protocol.ServerGameStateSnapshot{})
	}
	for i, out := range conn.sent {
		env, _ := protocol.Decode(out.data)
		if env.SequenceIndex != uint32(i+1) {
			t.Errorf("send %d sequence = %d, want %d", i, env.SequenceIndex, i+1)
		}
	}
}
