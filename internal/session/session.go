// Package session runs the fixed-tick network loops on each side of the game.
//
// A tick drains every datagram queued on the socket (up to a per-tick cap),
// dispatches each by content, then sends exactly once: one ClientInput from
// the client, one snapshot fan-out from the server. All receives of a tick
// happen before its send.
package session

import (
	"errors"
	"time"

	"arena/internal/protocol"
	"arena/internal/transport"
)

// ClientTransport is the client socket surface the loop drives.
type ClientTransport interface {
	Send(payload protocol.Payload) error
	Receive() (*protocol.Envelope, error)
}

// ServerTransport is the server socket surface the loop drives.
type ServerTransport interface {
	Receive() (*transport.Datagram, error)
	SendToAll(payload protocol.Payload) transport.FanoutReport
	Registry() *transport.Registry
}

var (
	_ ClientTransport = (*transport.ClientSocket)(nil)
	_ ServerTransport = (*transport.ServerSocket)(nil)
)

// TickReport describes one tick.
type TickReport struct {
	Received    int  `json:"received"`    // envelopes decoded
	Applied     int  `json:"applied"`     // snapshots or inputs handed to the gameplay side
	Stale       int  `json:"stale"`       // dropped as older than the last accepted sequence
	Unexpected  int  `json:"unexpected"`  // variants this side does not handle
	Malformed   int  `json:"malformed"`   // failed to decode or too large
	RateLimited int  `json:"rateLimited"` // dropped by the per-peer flood limiter
	Rejected    int  `json:"rejected"`    // unseen senders refused by a full registry
	Foreign     int  `json:"foreign"`     // client only: not from the connected server
	Joined      int  `json:"joined"`
	Evicted     int  `json:"evicted"`
	Backlogged  bool `json:"backlogged"` // drain stopped at the per-tick cap

	Fanout transport.FanoutReport `json:"-"`
}

// drained is the number of datagrams the tick consumed from the socket.
func (r *TickReport) drained() int {
	return r.Received + r.Malformed + r.RateLimited + r.Rejected + r.Foreign
}

// countDropped files a per-datagram receive error under its reason.
func (r *TickReport) countDropped(err error) {
	switch {
	case errors.Is(err, transport.ErrRateLimited):
		r.RateLimited++
	case errors.Is(err, transport.ErrRegistryFull):
		r.Rejected++
	case errors.Is(err, transport.ErrForeignSource):
		r.Foreign++
	default:
		r.Malformed++
	}
}

// tickInterval converts a tick rate to a ticker period.
func tickInterval(rate int) time.Duration {
	if rate <= 0 {
		rate = 1
	}
	return time.Second / time.Duration(rate)
}
