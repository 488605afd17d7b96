// Package protocol defines the datagram envelope exchanged between the game
// client and server, and its binary encoding.
//
// One UDP datagram carries exactly one Envelope. The layout is fixed-width and
// little-endian with no payload length field: both ends must agree on the
// exact layout or decoding fails (see codec.go).
package protocol

import (
	"fmt"
	"time"
)

// Kind is the content tag written on the wire after the envelope header.
type Kind uint32

const (
	KindClientConnected Kind = iota
	KindClientDisconnected
	KindClientLoading
	KindClientEntered
	KindClientInput
	KindServerGameStateSnapshot

	kindCount
)

var kindNames = [kindCount]string{
	"client_connected",
	"client_disconnected",
	"client_loading",
	"client_entered",
	"client_input",
	"server_snapshot",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Valid reports whether k is a known content tag.
func (k Kind) Valid() bool { return k < kindCount }

// Envelope is the fixed header wrapped around every payload.
//
// LastReceivedSequenceIndex, AcknowledgeMask and ProcessingDuration are carried
// for an ack-based reliability layer that does not exist yet; senders leave
// them zero and receivers do not consult them.
type Envelope struct {
	SequenceIndex             uint32
	LastReceivedSequenceIndex uint32
	AcknowledgeMask           uint16
	ProcessingDuration        time.Duration
	Content                   Payload
}

// NewEnvelope wraps p with the given sequence index and zeroed ack fields.
func NewEnvelope(seq uint32, p Payload) Envelope {
	return Envelope{SequenceIndex: seq, Content: p}
}

// Payload is the closed set of message variants. Only the types in this
// package implement it.
type Payload interface {
	Kind() Kind
	isPayload()
}

// ClientConnected announces a new client.
type ClientConnected struct{}

// ClientDisconnected announces that a client is leaving.
type ClientDisconnected struct{}

// ClientLoading reports that the client is loading assets.
type ClientLoading struct{}

// ClientEntered reports that the client entered the game.
type ClientEntered struct{}

// ClientInput is one tick of directional intent from a client.
type ClientInput struct {
	MoveForward bool `json:"moveForward"`
	MoveLeft    bool `json:"moveLeft"`
	MoveBack    bool `json:"moveBack"`
	MoveRight   bool `json:"moveRight"`
}

// Idle reports whether no direction is pressed.
func (in ClientInput) Idle() bool {
	return !in.MoveForward && !in.MoveLeft && !in.MoveBack && !in.MoveRight
}

// Vec3 is a position or an Euler rotation.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// ServerGameStateSnapshot describes every known player at broadcast time.
// The three slices are parallel: PlayerIDs[i] owns PlayerPositions[i] and
// PlayerRotations[i]. Order follows the server's peer order and may change
// between ticks.
type ServerGameStateSnapshot struct {
	PlayerIDs       []uint8 `json:"playerIds"`
	PlayerPositions []Vec3  `json:"playerPositions"`
	PlayerRotations []Vec3  `json:"playerRotations"`
}

// Len returns the number of players in the snapshot.
func (s ServerGameStateSnapshot) Len() int { return len(s.PlayerIDs) }

// Validate checks that the parallel arrays have equal length.
func (s ServerGameStateSnapshot) Validate() error {
	if len(s.PlayerPositions) != len(s.PlayerIDs) || len(s.PlayerRotations) != len(s.PlayerIDs) {
		return fmt.Errorf("snapshot arrays differ in length: ids=%d positions=%d rotations=%d",
			len(s.PlayerIDs), len(s.PlayerPositions), len(s.PlayerRotations))
	}
	return nil
}

func (ClientConnected) Kind() Kind         { return KindClientConnected }
func (ClientDisconnected) Kind() Kind      { return KindClientDisconnected }
func (ClientLoading) Kind() Kind           { return KindClientLoading }
func (ClientEntered) Kind() Kind           { return KindClientEntered }
func (ClientInput) Kind() Kind             { return KindClientInput }
func (ServerGameStateSnapshot) Kind() Kind { return KindServerGameStateSnapshot }

func (ClientConnected) isPayload()         {}
func (ClientDisconnected) isPayload()      {}
func (ClientLoading) isPayload()           {}
func (ClientEntered) isPayload()           {}
func (ClientInput) isPayload()             {}
func (ServerGameStateSnapshot) isPayload() {}

// SeqNewer reports whether sequence a comes after b, treating the u32 space
// as circular so the comparison survives wrap-around.
func SeqNewer(a, b uint32) bool {
	return int32(a-b) > 0
}

// SeqReorderWindow is how far behind the last accepted sequence a datagram
// may fall and still be treated as a late arrival.
const SeqReorderWindow = 64

// SeqRestarted reports whether seq falls so far behind last that the sender
// must have restarted its counter. A restarted stream begins again at 1.
func SeqRestarted(seq, last uint32) bool {
	return int32(seq-last) < -SeqReorderWindow
}
