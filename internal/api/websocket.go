package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"arena/internal/game"
	"arena/internal/logging"

	"github.com/gorilla/websocket"
)

const (
	// MaxSpectatorsTotal caps concurrent spectator sockets
	MaxSpectatorsTotal = 500

	// MaxSpectatorsPerIP caps spectator sockets from one IP
	MaxSpectatorsPerIP = 10

	spectatorWriteWait = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if IsAllowedOrigin(origin) {
			return true
		}
		logging.Warn("⚠️ Spectator connection rejected from origin: %s", origin)
		RecordConnectionRejected("origin")
		return false
	},
}

// Frame is one message pushed to spectators.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type spectator struct {
	conn *websocket.Conn
	ip   string
}

// SpectatorHub fans snapshot frames out to WebSocket spectators.
// Nothing runs until Run is called.
type SpectatorHub struct {
	clients    map[*websocket.Conn]*spectator
	broadcast  chan []byte
	register   chan *spectator
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex

	perIP *connLimiter
}

// NewSpectatorHub creates an idle hub.
func NewSpectatorHub() *SpectatorHub {
	return &SpectatorHub{
		clients:    make(map[*websocket.Conn]*spectator),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *spectator),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		perIP:      newConnLimiter(MaxSpectatorsPerIP),
	}
}

// Run owns the client set until ctx ends, then closes every socket.
func (h *SpectatorHub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for conn, c := range h.clients {
			h.perIP.release(c.ip)
			delete(h.clients, conn)
			conn.Close()
		}
		h.mu.Unlock()
		UpdateWSConnections(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			count := len(h.clients)
			h.mu.Unlock()
			logging.Debug("📱 Spectator connected from %s (%d total)", c.ip, count)
			UpdateWSConnections(count)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.mu.RUnlock()

			for _, conn := range conns {
				conn.SetWriteDeadline(time.Now().Add(spectatorWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.drop(conn)
				}
			}
			IncrementWSMessages()
		}
	}
}

func (h *SpectatorHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	c, ok := h.clients[conn]
	if ok {
		h.perIP.release(c.ip)
		delete(h.clients, conn)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		conn.Close()
		logging.Debug("📱 Spectator disconnected (%d remaining)", count)
		UpdateWSConnections(count)
	}
}

// Broadcast queues one frame for every spectator. It drops the frame when
// the hub is behind.
func (h *SpectatorHub) Broadcast(event string, data interface{}) {
	msg, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
	}
}

// ClientCount returns the number of connected spectators
func (h *SpectatorHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RunSnapshotLoop broadcasts the latest snapshot hz times per second until
// ctx ends. A frame is sent only when a new snapshot has been published and
// someone is watching.
func (h *SpectatorHub) RunSnapshotLoop(ctx context.Context, source *game.SnapshotSource, hz int) {
	if hz <= 0 {
		hz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if h.ClientCount() == 0 {
			continue
		}
		latest := source.Latest()
		if latest == nil || latest.Sequence == lastSeq {
			continue
		}
		lastSeq = latest.Sequence
		h.Broadcast("snapshot", newSnapshotResponse(latest))
	}
}

// HandleWebSocket upgrades a spectator connection. Spectators only listen;
// anything they send is discarded.
func (h *SpectatorHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	if h.ClientCount() >= MaxSpectatorsTotal {
		logging.Warn("⚠️ Spectator rejected: total limit reached (%d)", MaxSpectatorsTotal)
		RecordConnectionRejected("ws_total_limit")
		writeError(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if !h.perIP.acquire(ip) {
		logging.Warn("⚠️ Spectator rejected from %s: per-IP limit reached", ip)
		RecordConnectionRejected("ws_ip_limit")
		writeError(w, "too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug("Spectator upgrade error: %v", err)
		h.perIP.release(ip)
		return
	}

	select {
	case h.register <- &spectator{conn: conn, ip: ip}:
	case <-h.done:
		h.perIP.release(ip)
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
}
