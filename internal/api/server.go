package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"arena/internal/logging"

	"github.com/go-chi/chi/v5"
)

// Server is the admin HTTP API plus the spectator WebSocket feed.
type Server struct {
	router      *chi.Mux
	hub         *SpectatorHub
	limiter     *IPRateLimiter
	cfg         RouterConfig
	spectatorHz int

	http   *http.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServer builds the server. Background workers do NOT start until Start;
// use Router with httptest to exercise the handlers alone.
func NewServer(cfg RouterConfig, spectatorHz int) *Server {
	if cfg.RateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		cfg.RateLimiter = NewIPRateLimiter(rateLimitCfg)
	}

	s := &Server{
		hub:         NewSpectatorHub(),
		limiter:     cfg.RateLimiter,
		cfg:         cfg,
		spectatorHz: spectatorHz,
	}
	s.router = NewRouter(cfg)
	s.router.Get("/ws", s.hub.HandleWebSocket)
	return s
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the spectator hub.
func (s *Server) Hub() *SpectatorHub {
	return s.hub
}

// Start listens on addr, starts the spectator workers and serves in the
// background. It returns the bound address.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin api: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.hub.Run(ctx)
	if s.cfg.Snapshots != nil {
		go s.hub.RunSnapshotLoop(ctx, s.cfg.Snapshots, s.spectatorHz)
	}
	go s.limiter.RunPruner(ctx)

	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("❌ Admin API error: %v", err)
		}
	}()

	logging.Info("🌐 Admin API on http://%s/api", ln.Addr())
	logging.Info("👀 Spectator feed on ws://%s/ws", ln.Addr())
	return ln.Addr(), nil
}

// Stop shuts the HTTP server down and stops the background workers.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.cancel()
	err := s.http.Shutdown(ctx)
	<-s.done
	return err
}
