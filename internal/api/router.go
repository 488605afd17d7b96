package api

import (
	"context"
	"net/http"
	"time"

	"arena/internal/game"
	"arena/internal/session"
	"arena/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// ViewSource is the part of the server loop the API reads.
type ViewSource interface {
	View() *session.View
}

// HistorySource serves the peer join/leave ledger.
type HistorySource interface {
	History(ctx context.Context, limit int) ([]store.Event, error)
	Stats() map[string]interface{}
}

var (
	_ ViewSource    = (*session.ServerLoop)(nil)
	_ HistorySource = (*store.Store)(nil)
)

// RouterConfig contains everything NewRouter needs. Every source is
// optional; routes whose source is nil answer with empty data or 404.
//
// Example usage in tests:
//
//	router := api.NewRouter(api.RouterConfig{
//	    Views:     loop,
//	    Snapshots: snapshots,
//	    RateLimitConfig: &api.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
//	})
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	Views     ViewSource
	Snapshots *game.SnapshotSource
	History   HistorySource

	// WorldBounds is the half-extent drawn by /api/world.png
	WorldBounds float64

	// RateLimiter is an optional pre-built limiter. If nil, one is created
	// from RateLimitConfig, or DefaultRateLimitConfig when that is nil too.
	RateLimiter     *IPRateLimiter
	RateLimitConfig *RateLimitConfig

	// CORSOrigins defaults to loopback origins on any port.
	CORSOrigins []string

	// DisableLogging turns off the request logger (tests, benchmarks).
	DisableLogging bool
}

type routerHandlers struct {
	views       ViewSource
	snapshots   *game.SnapshotSource
	history     HistorySource
	limiter     *IPRateLimiter
	worldBounds float64
}

// NewRouter builds the admin API router. It has no side effects: no
// goroutines, no listeners.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	// Rate limiting before CORS to reject early
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(measure)

	h := &routerHandlers{
		views:       cfg.Views,
		snapshots:   cfg.Snapshots,
		history:     cfg.History,
		limiter:     rateLimiter,
		worldBounds: cfg.WorldBounds,
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/peers", h.handleGetPeers)
		r.Get("/peers/history", h.handleGetHistory)
		r.Get("/state", h.handleGetState)
		r.Get("/stats", h.handleGetStats)
		r.Get("/world.png", h.handleWorldMap)
	})

	return r
}

// measure records request latency by route pattern.
func measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		requestLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
