package transport

import (
	"errors"
	"net/netip"
	"testing"

	"arena/internal/protocol"
)

type inbound struct {
	from netip.AddrPort
	data []byte
}

type outbound struct {
	to   netip.AddrPort
	data []byte
}

// fakeConn is an in-memory packetConn.
type fakeConn struct {
	local   netip.AddrPort
	queue   []inbound
	sent    []outbound
	failTo  map[netip.AddrPort]error
	readErr error
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		local:  netip.MustParseAddrPort("127.0.0.1:40000"),
		failTo: make(map[netip.AddrPort]error),
	}
}

func (f *fakeConn) push(from netip.AddrPort, data []byte) {
	f.queue = append(f.queue, inbound{from: from, data: append([]byte(nil), data...)})
}

func (f *fakeConn) ReadFrom(buf []byte) (int, netip.AddrPort, bool, error) {
	if f.closed {
		return 0, netip.AddrPort{}, false, ErrClosed
	}
	if f.readErr != nil {
		return 0, netip.AddrPort{}, false, f.readErr
	}
	if len(f.queue) == 0 {
		return 0, netip.AddrPort{}, false, nil
	}
	d := f.queue[0]
	f.queue = f.queue[1:]
	// Like recvfrom: the kernel truncates to the buffer but we report the
	// truncated length.
	n := copy(buf, d.data)
	return n, d.from, true, nil
}

func (f *fakeConn) WriteTo(b []byte, to netip.AddrPort) (int, error) {
	if err := f.failTo[to]; err != nil {
		return 0, err
	}
	f.sent = append(f.sent, outbound{to: to, data: append([]byte(nil), b...)})
	return len(b), nil
}

func (f *fakeConn) LocalAddr() netip.AddrPort { return f.local }

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

var errUnreachable = errors.New("network unreachable")

func addr(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), uint16(5000+i))
}

func mustEncode(t *testing.T, seq uint32, p protocol.Payload) []byte {
	t.Helper()
	b, err := protocol.Encode(protocol.NewEnvelope(seq, p))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return b
}
