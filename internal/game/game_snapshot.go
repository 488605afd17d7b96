package game

import (
	"sync/atomic"
	"time"

	"arena/internal/protocol"
)

// PublishedSnapshot is an immutable copy of one broadcast snapshot
// for readers outside the server loop (admin API, spectators, map renderer).
type PublishedSnapshot struct {
	Sequence   uint64    // Monotonic publish sequence
	Timestamp  time.Time // When the snapshot was taken
	TickNumber uint64    // World step this represents

	Snapshot protocol.ServerGameStateSnapshot
}

// SnapshotSource holds the latest published snapshot.
// One writer (the server loop), any number of readers, no locks.
type SnapshotSource struct {
	latest   atomic.Pointer[PublishedSnapshot]
	sequence atomic.Uint64
}

// NewSnapshotSource creates an empty source
func NewSnapshotSource() *SnapshotSource {
	return &SnapshotSource{}
}

// Publish stores a deep copy of snap. The caller may reuse snap's slices.
func (s *SnapshotSource) Publish(tick uint64, snap protocol.ServerGameStateSnapshot) *PublishedSnapshot {
	p := &PublishedSnapshot{
		Sequence:   s.sequence.Add(1),
		Timestamp:  time.Now(),
		TickNumber: tick,
		Snapshot: protocol.ServerGameStateSnapshot{
			PlayerIDs:       append([]uint8(nil), snap.PlayerIDs...),
			PlayerPositions: append([]protocol.Vec3(nil), snap.PlayerPositions...),
			PlayerRotations: append([]protocol.Vec3(nil), snap.PlayerRotations...),
		},
	}
	s.latest.Store(p)
	return p
}

// Latest returns the most recent snapshot, or nil before the first publish.
// The returned value must not be modified.
func (s *SnapshotSource) Latest() *PublishedSnapshot {
	return s.latest.Load()
}
