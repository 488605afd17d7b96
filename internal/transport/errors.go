package transport

import (
	"errors"
	"fmt"
	"net/netip"

	"arena/internal/protocol"
)

var (
	// ErrMalformedMessage marks a datagram that failed to decode or did not
	// fit the receive buffer.
	ErrMalformedMessage = protocol.ErrMalformedMessage

	// ErrDatagramTooLarge is a malformed datagram that filled the receive
	// buffer's guard byte. It wraps ErrMalformedMessage.
	ErrDatagramTooLarge = fmt.Errorf("%w: datagram exceeds receive buffer", protocol.ErrMalformedMessage)

	// ErrRateLimited marks a datagram dropped by the per-peer flood limiter.
	ErrRateLimited = errors.New("peer rate limit exceeded")

	// ErrRegistryFull marks a datagram from an unseen address that could not
	// be registered because the registry is at capacity.
	ErrRegistryFull = errors.New("peer registry full")

	// ErrForeignSource marks a datagram a connected client received from an
	// address other than its server.
	ErrForeignSource = errors.New("datagram from foreign source")

	// ErrNoPeer is returned by SendTo for an index outside the registry.
	ErrNoPeer = errors.New("no such peer")

	// ErrNotConnected is returned by a client Send before Connect.
	ErrNotConnected = errors.New("socket not connected")

	ErrClosed = errors.New("socket closed")
)

// BindError is returned when the UDP endpoint cannot be created.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// ConnectError is returned when the client cannot fix its default peer.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect %s: %v", e.Addr, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// SendError wraps a failed send to one peer.
type SendError struct {
	Peer netip.AddrPort
	Kind protocol.Kind
	Err  error
}

func (e *SendError) Error() string {
	if e.Peer.IsValid() {
		return fmt.Sprintf("send %s to %s: %v", e.Kind, e.Peer, e.Err)
	}
	return fmt.Sprintf("send %s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ReceiveError wraps a failed receive. From is set when the failure concerns
// a specific datagram rather than the socket itself.
type ReceiveError struct {
	From netip.AddrPort
	Err  error
}

func (e *ReceiveError) Error() string {
	if e.From.IsValid() {
		return fmt.Sprintf("receive from %s: %v", e.From, e.Err)
	}
	return fmt.Sprintf("receive: %v", e.Err)
}

func (e *ReceiveError) Unwrap() error { return e.Err }

// IsDatagramError reports whether err concerns a single datagram that was
// dropped. The socket is still healthy and the caller can keep draining.
func IsDatagramError(err error) bool {
	return errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrRegistryFull) ||
		errors.Is(err, ErrForeignSource)
}

// dropReason maps a datagram error to its metrics label.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedMessage):
		return "malformed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit"
	case errors.Is(err, ErrRegistryFull):
		return "registry_full"
	case errors.Is(err, ErrForeignSource):
		return "foreign"
	default:
		return "other"
	}
}
