package api

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"arena/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admin API metrics. Labels are bounded: route patterns and fixed reasons only.
var (
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_api_connection_rejected_total",
		Help: "Requests or WebSocket upgrades rejected by a limiter or origin check",
	}, []string{"reason"}) // "rate_limit", "origin", "ws_total_limit", "ws_ip_limit"

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_api_request_duration_seconds",
		Help:    "Admin API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_spectator_connections_active",
		Help: "Currently connected WebSocket spectators",
	})

	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_spectator_messages_total",
		Help: "Snapshot frames broadcast to spectators",
	})
)

// DebugConfig configures the debug server.
type DebugConfig struct {
	Enabled    bool
	ListenAddr string // Loopback only unless ALLOW_DEBUG_EXTERNAL=true
}

// DefaultDebugConfig returns safe defaults.
func DefaultDebugConfig() DebugConfig {
	return DebugConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060",
	}
}

// DebugHandler serves pprof, Prometheus metrics and a health check.
func DebugHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// StartDebugServer listens on cfg.ListenAddr and serves DebugHandler in the
// background. It returns nil, nil when disabled.
func StartDebugServer(cfg DebugConfig) (*http.Server, error) {
	if !cfg.Enabled {
		logging.Info("📊 Debug server disabled")
		return nil, nil
	}

	if !isLoopback(cfg.ListenAddr) && os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
		logging.Warn("⚠️ Debug server forced to localhost for security")
		cfg.ListenAddr = DefaultDebugConfig().ListenAddr
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("debug server: %w", err)
	}

	srv := &http.Server{
		Handler:           DebugHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warn("⚠️ Debug server error: %v", err)
		}
	}()

	addr := ln.Addr().String()
	logging.Info("📊 Debug server on %s", addr)
	logging.Info("   - pprof:   http://%s/debug/pprof/", addr)
	logging.Info("   - metrics: http://%s/metrics", addr)
	return srv, nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// RecordConnectionRejected increments the rejection counter.
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// UpdateWSConnections updates the spectator gauge.
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

// IncrementWSMessages counts one spectator frame.
func IncrementWSMessages() {
	wsMessagesTotal.Inc()
}
