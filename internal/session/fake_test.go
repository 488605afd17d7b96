package session

import (
	"errors"
	"net/netip"
	"time"

	"arena/internal/protocol"
	"arena/internal/transport"
)

var errSocket = errors.New("connection refused")

var errMalformed = &transport.ReceiveError{Err: transport.ErrMalformedMessage}

type clientItem struct {
	env *protocol.Envelope
	err error
}

// fakeClientConn is an in-memory ClientTransport.
type fakeClientConn struct {
	queue    []clientItem
	receives int // calls to Receive
	some     int // calls that returned an envelope
	sent     []protocol.Payload
	sendErr  error
}

func (f *fakeClientConn) pushEnv(seq uint32, p protocol.Payload) {
	env := protocol.NewEnvelope(seq, p)
	f.queue = append(f.queue, clientItem{env: &env})
}

func (f *fakeClientConn) pushErr(err error) {
	f.queue = append(f.queue, clientItem{err: err})
}

func (f *fakeClientConn) Send(p protocol.Payload) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeClientConn) Receive() (*protocol.Envelope, error) {
	f.receives++
	if len(f.queue) == 0 {
		return nil, nil
	}
	it := f.queue[0]
	f.queue = f.queue[1:]
	if it.env != nil {
		f.some++
	}
	return it.env, it.err
}

type serverItem struct {
	from netip.AddrPort
	env  protocol.Envelope
	err  error
}

type fanout struct {
	payload protocol.Payload
	to      []netip.AddrPort
}

// fakeServerConn is an in-memory ServerTransport backed by a real registry.
type fakeServerConn struct {
	registry *transport.Registry
	queue    []serverItem
	receives int
	some     int
	sends    []fanout
	now      time.Time
}

func newFakeServerConn(maxPeers int) *fakeServerConn {
	return &fakeServerConn{
		registry: transport.NewRegistry(transport.RegistryConfig{MaxPeers: maxPeers}),
		now:      time.Unix(1000, 0),
	}
}

func (f *fakeServerConn) push(from netip.AddrPort, p protocol.Payload) {
	f.queue = append(f.queue, serverItem{from: from, env: protocol.NewEnvelope(0, p)})
}

func (f *fakeServerConn) pushErr(from netip.AddrPort, err error) {
	f.queue = append(f.queue, serverItem{from: from, err: err})
}

func (f *fakeServerConn) Receive() (*transport.Datagram, error) {
	f.receives++
	if len(f.queue) == 0 {
		return nil, nil
	}
	it := f.queue[0]
	f.queue = f.queue[1:]

	if !it.from.IsValid() {
		return nil, it.err
	}
	d := &transport.Datagram{From: it.from}
	p, added, err := f.registry.Touch(it.from, f.now)
	if err != nil {
		return d, &transport.ReceiveError{From: it.from, Err: err}
	}
	p.LastSeen = f.now
	d.Peer, d.NewPeer = p, added
	if it.err != nil {
		return d, it.err
	}
	f.some++
	d.Envelope = it.env
	return d, nil
}

func (f *fakeServerConn) SendToAll(p protocol.Payload) transport.FanoutReport {
	out := fanout{payload: p}
	for _, peer := range f.registry.Peers() {
		out.to = append(out.to, peer.Addr)
	}
	f.sends = append(f.sends, out)
	return transport.FanoutReport{Attempted: len(out.to), Sent: len(out.to)}
}

func (f *fakeServerConn) Registry() *transport.Registry { return f.registry }

func peerAddr(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, 1, byte(i)}), uint16(8310+i))
}

type observed struct {
	id     uint8
	joined bool
	reason LeaveReason
}

type recordingObserver struct {
	events []observed
}

func (o *recordingObserver) PeerJoined(p transport.Peer) {
	o.events = append(o.events, observed{id: p.ID, joined: true})
}

func (o *recordingObserver) PeerLeft(p transport.Peer, reason LeaveReason) {
	o.events = append(o.events, observed{id: p.ID, reason: reason})
}
