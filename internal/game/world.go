// Package game holds the authoritative player state the server simulates and
// snapshots to clients.
package game

import (
	"math"

	"arena/internal/protocol"
)

// Settings tunes the simulation
type Settings struct {
	MoveSpeed   float64 // units per second
	Bounds      float64 // half-extent of the square arena on X and Z
	SpawnRadius float64 // players spawn on a ring of this radius
}

// DefaultSettings matches the original arena scene
func DefaultSettings() Settings {
	return Settings{
		MoveSpeed:   5.0,
		Bounds:      50.0,
		SpawnRadius: 8.0,
	}
}

// Player is the simulated state of one connected player
type Player struct {
	ID       uint8
	Position protocol.Vec3
	Rotation protocol.Vec3 // Euler angles; Y is yaw
	Input    protocol.ClientInput
}

// World is the set of players keyed by player id.
// Owned by the server session loop; not safe for concurrent use.
type World struct {
	settings Settings
	players  map[uint8]*Player
	ticks    uint64
}

// NewWorld creates an empty world
func NewWorld(settings Settings) *World {
	if settings.MoveSpeed <= 0 {
		settings.MoveSpeed = DefaultSettings().MoveSpeed
	}
	if settings.Bounds <= 0 {
		settings.Bounds = DefaultSettings().Bounds
	}
	return &World{
		settings: settings,
		players:  make(map[uint8]*Player),
	}
}

// Join spawns a player. Joining twice keeps the existing state.
func (w *World) Join(id uint8) {
	if _, ok := w.players[id]; ok {
		return
	}
	// 8 spawn slots on a ring, facing the centre
	angle := float64(id%8) * (2 * math.Pi / 8)
	w.players[id] = &Player{
		ID: id,
		Position: protocol.Vec3{
			X: float32(w.settings.SpawnRadius * math.Sin(angle)),
			Z: float32(w.settings.SpawnRadius * math.Cos(angle)),
		},
		Rotation: protocol.Vec3{Y: float32(angle)},
	}
}

// Leave removes a player
func (w *World) Leave(id uint8) {
	delete(w.players, id)
}

// ApplyInput records the latest intent of a player. Unknown ids are ignored.
func (w *World) ApplyInput(id uint8, in protocol.ClientInput) {
	if p, ok := w.players[id]; ok {
		p.Input = in
	}
}

// Player returns a copy of one player's state
func (w *World) Player(id uint8) (Player, bool) {
	p, ok := w.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// Len returns the number of players
func (w *World) Len() int { return len(w.players) }

// Ticks returns how many steps have run
func (w *World) Ticks() uint64 { return w.ticks }

// Step advances every player by dt seconds using its latest input.
// Input is held until replaced, so a player keeps moving between inputs.
func (w *World) Step(dt float64) {
	w.ticks++
	if dt <= 0 {
		return
	}
	for _, p := range w.players {
		dx, dz := direction(p.Input)
		if dx == 0 && dz == 0 {
			continue
		}
		dist := w.settings.MoveSpeed * dt

		// forward = R*Z, strafe = R*X for a rotation of yaw about Y
		yaw := float64(p.Rotation.Y)
		sin, cos := math.Sincos(yaw)
		mx := (sin*dz + cos*dx) * dist
		mz := (cos*dz - sin*dx) * dist

		p.Position.X = clamp(p.Position.X+float32(mx), w.settings.Bounds)
		p.Position.Z = clamp(p.Position.Z+float32(mz), w.settings.Bounds)
	}
}

// Snapshot builds the broadcast payload for the given player order. Ids not
// in the world are skipped so the arrays stay parallel.
func (w *World) Snapshot(order []uint8) protocol.ServerGameStateSnapshot {
	snap := protocol.ServerGameStateSnapshot{
		PlayerIDs:       make([]uint8, 0, len(order)),
		PlayerPositions: make([]protocol.Vec3, 0, len(order)),
		PlayerRotations: make([]protocol.Vec3, 0, len(order)),
	}
	for _, id := range order {
		p, ok := w.players[id]
		if !ok {
			continue
		}
		snap.PlayerIDs = append(snap.PlayerIDs, p.ID)
		snap.PlayerPositions = append(snap.PlayerPositions, p.Position)
		snap.PlayerRotations = append(snap.PlayerRotations, p.Rotation)
	}
	return snap
}

// direction maps input to a unit vector: +X right, +Z back.
func direction(in protocol.ClientInput) (x, z float64) {
	if in.MoveRight {
		x++
	}
	if in.MoveLeft {
		x--
	}
	if in.MoveBack {
		z++
	}
	if in.MoveForward {
		z--
	}
	if l := math.Hypot(x, z); l > 0 {
		x, z = x/l, z/l
	}
	return x, z
}

func clamp(v float32, bound float64) float32 {
	b := float32(bound)
	if v > b {
		return b
	}
	if v < -b {
		return -b
	}
	return v
}
