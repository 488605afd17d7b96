package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Wire layout, little-endian:
//
//	 0  u32  sequence_index
//	 4  u32  last_received_sequence_index
//	 8  u16  acknowledge_mask
//	10  u64  processing_duration seconds
//	18  u32  processing_duration nanoseconds
//	22  u32  content tag (Kind)
//	26  ...  variant body
//
// ClientInput body: four bool bytes in the order left, right, forward, back.
// Snapshot body: three sequences, each a u64 element count followed by the
// elements (u8 ids, then 3×f32 positions, then 3×f32 rotations).
const (
	HeaderSize = 26

	tagOffset     = 22
	inputBodySize = 4
	lenPrefixSize = 8
	vec3Size      = 12
)

// ErrMalformedMessage is returned for any datagram that cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// EncodedSize returns the exact number of bytes Encode produces for e.
func EncodedSize(e Envelope) int {
	switch c := e.Content.(type) {
	case ClientInput:
		return HeaderSize + inputBodySize
	case ServerGameStateSnapshot:
		return HeaderSize + 3*lenPrefixSize + len(c.PlayerIDs) +
			vec3Size*(len(c.PlayerPositions)+len(c.PlayerRotations))
	default:
		return HeaderSize
	}
}

// SnapshotSize returns the encoded size of a snapshot carrying n players.
func SnapshotSize(n int) int {
	return HeaderSize + 3*lenPrefixSize + n*(1+2*vec3Size)
}

// MaxSnapshotPlayers returns how many players fit in one snapshot of at most
// bufSize bytes, or -1 when not even an empty one fits.
func MaxSnapshotPlayers(bufSize int) int {
	if bufSize < SnapshotSize(0) {
		return -1
	}
	return (bufSize - SnapshotSize(0)) / (1 + 2*vec3Size)
}

// Encode serializes an envelope into a new buffer.
func Encode(e Envelope) ([]byte, error) {
	return AppendEncode(make([]byte, 0, EncodedSize(e)), e)
}

// AppendEncode appends the encoding of e to dst. On error dst is returned
// unchanged.
func AppendEncode(dst []byte, e Envelope) ([]byte, error) {
	if e.Content == nil {
		return dst, errors.New("encode envelope: no content")
	}
	if e.ProcessingDuration < 0 {
		return dst, fmt.Errorf("encode envelope: negative processing duration %s", e.ProcessingDuration)
	}
	if s, ok := e.Content.(ServerGameStateSnapshot); ok {
		if err := s.Validate(); err != nil {
			return dst, fmt.Errorf("encode envelope: %w", err)
		}
	}

	out := binary.LittleEndian.AppendUint32(dst, e.SequenceIndex)
	out = binary.LittleEndian.AppendUint32(out, e.LastReceivedSequenceIndex)
	out = binary.LittleEndian.AppendUint16(out, e.AcknowledgeMask)
	out = binary.LittleEndian.AppendUint64(out, uint64(e.ProcessingDuration/time.Second))
	out = binary.LittleEndian.AppendUint32(out, uint32(e.ProcessingDuration%time.Second))
	out = binary.LittleEndian.AppendUint32(out, uint32(e.Content.Kind()))

	switch c := e.Content.(type) {
	case ClientConnected, ClientDisconnected, ClientLoading, ClientEntered:
	case ClientInput:
		out = append(out, boolByte(c.MoveLeft), boolByte(c.MoveRight), boolByte(c.MoveForward), boolByte(c.MoveBack))
	case ServerGameStateSnapshot:
		out = binary.LittleEndian.AppendUint64(out, uint64(len(c.PlayerIDs)))
		out = append(out, c.PlayerIDs...)
		out = appendVec3s(out, c.PlayerPositions)
		out = appendVec3s(out, c.PlayerRotations)
	default:
		return dst, fmt.Errorf("encode envelope: unsupported payload type %T", e.Content)
	}
	return out, nil
}

// Decode parses one datagram. Every failure wraps ErrMalformedMessage; the
// datagram is meant to be dropped as a unit. Bytes after a complete envelope
// are ignored. Empty snapshot sequences decode as nil slices, whether the
// encoded value held nil or empty ones.
func Decode(data []byte) (Envelope, error) {
	if len(data) < HeaderSize {
		return Envelope{}, malformed("datagram is %d bytes, header needs %d", len(data), HeaderSize)
	}

	d, err := decodeDuration(binary.LittleEndian.Uint64(data[10:18]), binary.LittleEndian.Uint32(data[18:22]))
	if err != nil {
		return Envelope{}, err
	}

	e := Envelope{
		SequenceIndex:             binary.LittleEndian.Uint32(data[0:4]),
		LastReceivedSequenceIndex: binary.LittleEndian.Uint32(data[4:8]),
		AcknowledgeMask:           binary.LittleEndian.Uint16(data[8:10]),
		ProcessingDuration:        d,
	}

	kind := Kind(binary.LittleEndian.Uint32(data[tagOffset:HeaderSize]))
	r := &reader{buf: data[HeaderSize:]}

	switch kind {
	case KindClientConnected:
		e.Content = ClientConnected{}
	case KindClientDisconnected:
		e.Content = ClientDisconnected{}
	case KindClientLoading:
		e.Content = ClientLoading{}
	case KindClientEntered:
		e.Content = ClientEntered{}
	case KindClientInput:
		in, err := decodeInput(r)
		if err != nil {
			return Envelope{}, err
		}
		e.Content = in
	case KindServerGameStateSnapshot:
		s, err := decodeSnapshot(r)
		if err != nil {
			return Envelope{}, err
		}
		e.Content = s
	default:
		return Envelope{}, malformed("unknown content tag %d", uint32(kind))
	}
	return e, nil
}

func decodeDuration(secs uint64, nanos uint32) (time.Duration, error) {
	const maxSecs = uint64(math.MaxInt64 / int64(time.Second))
	if secs > maxSecs {
		return 0, malformed("processing duration of %d seconds overflows", secs)
	}
	total := int64(secs) * int64(time.Second)
	if total > math.MaxInt64-int64(nanos) {
		return 0, malformed("processing duration %ds+%dns overflows", secs, nanos)
	}
	return time.Duration(total + int64(nanos)), nil
}

func decodeInput(r *reader) (ClientInput, error) {
	var flags [inputBodySize]bool
	for i := range flags {
		b, err := r.bool("client input")
		if err != nil {
			return ClientInput{}, err
		}
		flags[i] = b
	}
	return ClientInput{
		MoveLeft:    flags[0],
		MoveRight:   flags[1],
		MoveForward: flags[2],
		MoveBack:    flags[3],
	}, nil
}

func decodeSnapshot(r *reader) (ServerGameStateSnapshot, error) {
	var s ServerGameStateSnapshot

	n, err := r.seqLen("player_ids", 1)
	if err != nil {
		return s, err
	}
	if n > 0 {
		s.PlayerIDs = make([]uint8, n)
		copy(s.PlayerIDs, r.take(n))
	}

	if s.PlayerPositions, err = r.vec3s("player_positions"); err != nil {
		return s, err
	}
	if s.PlayerRotations, err = r.vec3s("player_rotations"); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, malformed("%v", err)
	}
	return s, nil
}

func appendVec3s(dst []byte, vs []Vec3) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(vs)))
	for _, v := range vs {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v.X))
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v.Y))
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v.Z))
	}
	return dst
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// reader walks a variant body with bounds checks.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

// take returns the next n bytes; callers check remaining first.
func (r *reader) take(n int) []byte {
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) bool(field string) (bool, error) {
	if r.remaining() < 1 {
		return false, malformed("%s truncated", field)
	}
	switch b := r.take(1)[0]; b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, malformed("%s has invalid bool byte 0x%02x", field, b)
	}
}

// seqLen reads a u64 element count and checks that that many elements of
// elemSize bytes actually follow.
func (r *reader) seqLen(field string, elemSize int) (int, error) {
	if r.remaining() < lenPrefixSize {
		return 0, malformed("%s length prefix truncated", field)
	}
	n := binary.LittleEndian.Uint64(r.take(lenPrefixSize))
	if n > uint64(r.remaining()/elemSize) {
		return 0, malformed("%s declares %d elements but only %d bytes remain", field, n, r.remaining())
	}
	return int(n), nil
}

func (r *reader) vec3s(field string) ([]Vec3, error) {
	n, err := r.seqLen(field, vec3Size)
	if err != nil || n == 0 {
		return nil, err
	}
	out := make([]Vec3, n)
	for i := range out {
		b := r.take(vec3Size)
		out[i] = Vec3{
			X: math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
			Y: math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
			Z: math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
		}
	}
	return out, nil
}
