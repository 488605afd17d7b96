// Package store records peer join and leave events in SQLite.
//
// Writes are asynchronous: the server loop hands events to a bounded queue
// and never waits on disk. When the queue is full events are dropped and
// counted.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/logging"
	"arena/internal/session"
	"arena/internal/transport"

	_ "github.com/mattn/go-sqlite3"
)

const (
	BatchFlushSize     = 64                     // Events per transaction
	BatchFlushInterval = 100 * time.Millisecond // How often to flush
	DefaultQueueSize   = 256
)

const initSQL = `
CREATE TABLE IF NOT EXISTS peer_events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	at_ns     INTEGER NOT NULL,
	kind      TEXT    NOT NULL,
	addr      TEXT    NOT NULL,
	player_id INTEGER NOT NULL,
	reason    TEXT    NOT NULL DEFAULT '',
	datagrams INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS peer_events_addr ON peer_events(addr);
`

// EventKind distinguishes joins from leaves.
type EventKind string

const (
	EventJoin  EventKind = "join"
	EventLeave EventKind = "leave"
)

// Event is one row of peer history.
type Event struct {
	ID        int64     `json:"id"`
	At        time.Time `json:"at"`
	Kind      EventKind `json:"kind"`
	Addr      string    `json:"addr"`
	PlayerID  uint8     `json:"playerId"`
	Reason    string    `json:"reason,omitempty"`
	Datagrams uint64    `json:"datagrams"`
}

// Store is the peer history database plus its writer goroutine.
type Store struct {
	db *sql.DB

	queue    chan Event
	flushReq chan chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	writerWg sync.WaitGroup

	// Stats
	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

var _ session.PeerObserver = (*Store)(nil)

// Open opens (creating if needed) the database at path and starts the writer.
func Open(path string, queueSize int) (*Store, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" is
	// per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(initSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init %s: %w", path, err)
	}

	s := &Store{
		db:       db,
		queue:    make(chan Event, queueSize),
		flushReq: make(chan chan struct{}),
		stopChan: make(chan struct{}),
	}
	s.writerWg.Add(1)
	go s.writerLoop()

	logging.Info("🗄️ Peer history store: %s", path)
	return s, nil
}

// PeerJoined queues a join event. It never blocks.
func (s *Store) PeerJoined(p transport.Peer) {
	s.enqueue(Event{
		At:       p.FirstSeen,
		Kind:     EventJoin,
		Addr:     p.Addr.String(),
		PlayerID: p.ID,
	})
}

// PeerLeft queues a leave event. It never blocks.
func (s *Store) PeerLeft(p transport.Peer, reason session.LeaveReason) {
	s.enqueue(Event{
		At:        time.Now(),
		Kind:      EventLeave,
		Addr:      p.Addr.String(),
		PlayerID:  p.ID,
		Reason:    string(reason),
		Datagrams: p.Datagrams,
	})
}

func (s *Store) enqueue(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
	}
}

// Flush blocks until every event queued before the call is written, or ctx
// ends.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.flushReq <- done:
	case <-s.stopChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns up to limit events, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at_ns, kind, addr, player_id, reason, datagrams
		 FROM peer_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e    Event
			atNs int64
			kind string
		)
		if err := rows.Scan(&e.ID, &atNs, &kind, &e.Addr, &e.PlayerID, &e.Reason, &e.Datagrams); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.At = time.Unix(0, atNs).UTC()
		e.Kind = EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Stats returns writer counters.
func (s *Store) Stats() map[string]interface{} {
	return map[string]interface{}{
		"written": s.written.Load(),
		"dropped": s.dropped.Load(),
		"failed":  s.failed.Load(),
		"pending": len(s.queue),
	}
}

// Close flushes pending events and closes the database.
func (s *Store) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.writerWg.Wait()
		err = s.db.Close()
	})
	return err
}

// writerLoop batches queued events into transactions.
func (s *Store) writerLoop() {
	defer s.writerWg.Done()

	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, BatchFlushSize)

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= BatchFlushSize {
				s.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = batch[:0]
			}

		case done := <-s.flushReq:
			batch = s.drain(batch)
			s.flushBatch(batch)
			batch = batch[:0]
			close(done)

		case <-s.stopChan:
			// Final flush
			batch = s.drain(batch)
			s.flushBatch(batch)
			return
		}
	}
}

// drain moves everything currently queued into batch.
func (s *Store) drain(batch []Event) []Event {
	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

func (s *Store) flushBatch(batch []Event) {
	if len(batch) == 0 {
		return
	}
	if err := s.insert(batch); err != nil {
		s.failed.Add(uint64(len(batch)))
		logging.Warn("⚠️ Peer history write failed (%d events): %v", len(batch), err)
		return
	}
	s.written.Add(uint64(len(batch)))
}

func (s *Store) insert(batch []Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO peer_events (at_ns, kind, addr, player_id, reason, datagrams) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.Exec(e.At.UnixNano(), string(e.Kind), e.Addr, e.PlayerID, e.Reason, e.Datagrams); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
