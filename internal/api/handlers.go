package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"arena/internal/game"
	"arena/internal/protocol"
	"arena/internal/session"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000

	defaultMapSize = 512
	minMapSize     = 64
	maxMapSize     = 2048
)

type peerResponse struct {
	ID           uint8     `json:"id"`
	Addr         string    `json:"addr"`
	Phase        string    `json:"phase"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
	LastSequence uint32    `json:"lastSequence"`
	Datagrams    uint64    `json:"datagrams"`
}

type playerResponse struct {
	ID       uint8         `json:"id"`
	Position protocol.Vec3 `json:"position"`
	Rotation protocol.Vec3 `json:"rotation"`
}

type snapshotResponse struct {
	Sequence  uint64           `json:"sequence"`
	Tick      uint64           `json:"tick"`
	Timestamp time.Time        `json:"timestamp"`
	Players   []playerResponse `json:"players"`
}

func newSnapshotResponse(p *game.PublishedSnapshot) snapshotResponse {
	resp := snapshotResponse{Players: []playerResponse{}}
	if p == nil {
		return resp
	}
	resp.Sequence = p.Sequence
	resp.Tick = p.TickNumber
	resp.Timestamp = p.Timestamp
	s := p.Snapshot
	for i := 0; i < s.Len(); i++ {
		resp.Players = append(resp.Players, playerResponse{
			ID:       s.PlayerIDs[i],
			Position: s.PlayerPositions[i],
			Rotation: s.PlayerRotations[i],
		})
	}
	return resp
}

func (h *routerHandlers) view() *session.View {
	if h.views == nil {
		return &session.View{}
	}
	if v := h.views.View(); v != nil {
		return v
	}
	return &session.View{}
}

func (h *routerHandlers) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	v := h.view()
	peers := make([]peerResponse, 0, len(v.Peers))
	for _, p := range v.Peers {
		peers = append(peers, peerResponse{
			ID:           p.ID,
			Addr:         p.Addr.String(),
			Phase:        p.Phase.String(),
			FirstSeen:    p.FirstSeen,
			LastSeen:     p.LastSeen,
			LastSequence: p.LastSequence,
			Datagrams:    p.Datagrams,
		})
	}
	writeJSON(w, peers)
}

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	var latest *game.PublishedSnapshot
	if h.snapshots != nil {
		latest = h.snapshots.Latest()
	}
	writeJSON(w, newSnapshotResponse(latest))
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	v := h.view()
	stats := map[string]interface{}{
		"tick":      v.Tick,
		"updatedAt": v.UpdatedAt,
		"peerCount": len(v.Peers),
		"lastTick":  v.Last,
		"totals":    v.Stats,
		"http":      h.limiter.Stats(),
	}
	if h.history != nil {
		stats["store"] = h.history.Stats()
	}
	writeJSON(w, stats)
}

func (h *routerHandlers) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, "peer history is disabled", http.StatusNotFound)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	events, err := h.history.History(r.Context(), limit)
	if err != nil {
		writeError(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func (h *routerHandlers) handleWorldMap(w http.ResponseWriter, r *http.Request) {
	size := defaultMapSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minMapSize || n > maxMapSize {
			writeError(w, "size must be between 64 and 2048", http.StatusBadRequest)
			return
		}
		size = n
	}

	var latest *game.PublishedSnapshot
	if h.snapshots != nil {
		latest = h.snapshots.Latest()
	}
	dc := RenderWorldMap(latest, h.worldBounds, size)

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	dc.EncodePNG(w)
}

// Helper functions (package-level for reuse)

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
