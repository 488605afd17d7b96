package transport

import (
	"net/netip"
	"time"

	"arena/internal/protocol"

	"golang.org/x/time/rate"
)

// MaxPeerCapacity is the hard ceiling on registered peers: player ids are u8.
const MaxPeerCapacity = 256

// MaxPeersForBuffer returns the largest peer count whose full snapshot still
// fits a client receive buffer of bufSize bytes, capped at MaxPeerCapacity.
func MaxPeersForBuffer(bufSize int) int {
	n := protocol.MaxSnapshotPlayers(bufSize)
	if n > MaxPeerCapacity {
		return MaxPeerCapacity
	}
	if n < 0 {
		return 0
	}
	return n
}

// Phase is the lifecycle stage a peer last reported.
type Phase uint8

const (
	PhaseUnknown Phase = iota // heard from, no lifecycle signal yet
	PhaseConnected
	PhaseLoading
	PhaseEntered
)

func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhaseLoading:
		return "loading"
	case PhaseEntered:
		return "entered"
	default:
		return "unknown"
	}
}

// Peer is one registered remote address.
type Peer struct {
	Addr      netip.AddrPort
	ID        uint8 // player id, lowest free at registration
	Phase     Phase
	FirstSeen time.Time
	LastSeen  time.Time // last decoded, in-order datagram

	// LastSequence is the highest sequence index accepted from this peer.
	// Zero means none yet.
	LastSequence uint32
	Datagrams    uint64

	limiter *rate.Limiter
}

// allow consumes one token from the peer's flood limiter.
func (p *Peer) allow(now time.Time) bool {
	if p.limiter == nil {
		return true
	}
	return p.limiter.AllowN(now, 1)
}

// RegistryConfig bounds the registry.
type RegistryConfig struct {
	Capacity      int        // initial allocation hint
	MaxPeers      int        // registration cap, at most MaxPeerCapacity
	PeerRateLimit rate.Limit // datagrams per second per peer; 0 disables
	PeerBurst     int
}

// Registry is the ordered set of peer addresses the server has heard from.
// Order is first-seen order and survives removals. It is owned by the server
// session loop and is not safe for concurrent use.
type Registry struct {
	cfg    RegistryConfig
	peers  []*Peer
	byAddr map[netip.AddrPort]*Peer
	idUsed [MaxPeerCapacity]bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxPeers <= 0 || cfg.MaxPeers > MaxPeerCapacity {
		cfg.MaxPeers = MaxPeerCapacity
	}
	if cfg.Capacity <= 0 || cfg.Capacity > cfg.MaxPeers {
		cfg.Capacity = cfg.MaxPeers
	}
	if cfg.PeerBurst <= 0 {
		cfg.PeerBurst = 1
	}
	return &Registry{
		cfg:    cfg,
		peers:  make([]*Peer, 0, cfg.Capacity),
		byAddr: make(map[netip.AddrPort]*Peer, cfg.Capacity),
	}
}

// Len returns the number of registered peers.
func (r *Registry) Len() int { return len(r.peers) }

// At returns the i-th peer in first-seen order, or nil.
func (r *Registry) At(i int) *Peer {
	if i < 0 || i >= len(r.peers) {
		return nil
	}
	return r.peers[i]
}

// Lookup finds a peer by address.
func (r *Registry) Lookup(addr netip.AddrPort) (*Peer, bool) {
	p, ok := r.byAddr[addr]
	return p, ok
}

// Touch returns the peer for addr, registering it first if unseen. added
// reports a new registration. Registration fails with ErrRegistryFull at
// capacity.
func (r *Registry) Touch(addr netip.AddrPort, now time.Time) (p *Peer, added bool, err error) {
	if p, ok := r.byAddr[addr]; ok {
		return p, false, nil
	}
	if len(r.peers) >= r.cfg.MaxPeers {
		return nil, false, ErrRegistryFull
	}

	p = &Peer{
		Addr:      addr,
		ID:        r.allocID(),
		FirstSeen: now,
		LastSeen:  now,
	}
	if r.cfg.PeerRateLimit > 0 {
		p.limiter = rate.NewLimiter(r.cfg.PeerRateLimit, r.cfg.PeerBurst)
	}
	r.peers = append(r.peers, p)
	r.byAddr[addr] = p
	return p, true, nil
}

// Remove deletes the peer for addr, keeping the order of the others.
func (r *Registry) Remove(addr netip.AddrPort) (*Peer, bool) {
	p, ok := r.byAddr[addr]
	if !ok {
		return nil, false
	}
	delete(r.byAddr, addr)
	r.idUsed[p.ID] = false
	for i, q := range r.peers {
		if q == p {
			copy(r.peers[i:], r.peers[i+1:])
			r.peers[len(r.peers)-1] = nil
			r.peers = r.peers[:len(r.peers)-1]
			break
		}
	}
	return p, true
}

// EvictIdle removes every peer silent for longer than timeout and returns
// them in registry order. A non-positive timeout evicts nothing.
func (r *Registry) EvictIdle(now time.Time, timeout time.Duration) []*Peer {
	if timeout <= 0 {
		return nil
	}
	var evicted []*Peer
	kept := r.peers[:0]
	for _, p := range r.peers {
		if now.Sub(p.LastSeen) > timeout {
			evicted = append(evicted, p)
			delete(r.byAddr, p.Addr)
			r.idUsed[p.ID] = false
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(r.peers); i++ {
		r.peers[i] = nil
	}
	r.peers = kept
	return evicted
}

// Peers returns a copy of every peer in registry order.
func (r *Registry) Peers() []Peer {
	out := make([]Peer, len(r.peers))
	for i, p := range r.peers {
		out[i] = *p
		out[i].limiter = nil
	}
	return out
}

// IDs returns the player ids in registry order.
func (r *Registry) IDs() []uint8 {
	out := make([]uint8, len(r.peers))
	for i, p := range r.peers {
		out[i] = p.ID
	}
	return out
}

func (r *Registry) allocID() uint8 {
	for id := range r.idUsed {
		if !r.idUsed[id] {
			r.idUsed[id] = true
			return uint8(id)
		}
	}
	// unreachable: MaxPeers <= MaxPeerCapacity
	panic("transport: player id space exhausted")
}
