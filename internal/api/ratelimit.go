package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-IP limiter in front of the admin API
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	IdleTTL           time.Duration // Limiters unused for this long are dropped
}

// DefaultRateLimitConfig matches the limits section defaults
var DefaultRateLimitConfig = RateLimitConfig{
	RequestsPerSecond: 10,
	Burst:             20,
	IdleTTL:           10 * time.Minute,
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// IPRateLimiter hands out one token bucket per client IP.
// Constructing it starts nothing; call Prune (or RunPruner) to bound memory.
type IPRateLimiter struct {
	cfg      RateLimitConfig
	limiters sync.Map // string -> *ipLimiterEntry
	now      func() time.Time

	allowed  atomic.Uint64
	rejected atomic.Uint64
}

// NewIPRateLimiter creates a limiter. A non-positive rate disables limiting.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig.IdleTTL
	}
	return &IPRateLimiter{cfg: cfg, now: time.Now}
}

// Allow takes one token from ip's bucket.
func (rl *IPRateLimiter) Allow(ip string) bool {
	if rl.cfg.RequestsPerSecond <= 0 {
		rl.allowed.Add(1)
		return true
	}

	now := rl.now()
	v, ok := rl.limiters.Load(ip)
	if !ok {
		fresh := &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)}
		v, _ = rl.limiters.LoadOrStore(ip, fresh)
	}
	e := v.(*ipLimiterEntry)
	e.lastSeen.Store(now.UnixNano())

	if e.limiter.AllowN(now, 1) {
		rl.allowed.Add(1)
		return true
	}
	rl.rejected.Add(1)
	return false
}

// Prune drops limiters idle for longer than IdleTTL and returns how many
// remain.
func (rl *IPRateLimiter) Prune() int {
	cutoff := rl.now().Add(-rl.cfg.IdleTTL).UnixNano()
	remaining := 0
	rl.limiters.Range(func(key, value any) bool {
		if value.(*ipLimiterEntry).lastSeen.Load() < cutoff {
			rl.limiters.Delete(key)
		} else {
			remaining++
		}
		return true
	})
	return remaining
}

// RunPruner calls Prune every IdleTTL until ctx ends.
func (rl *IPRateLimiter) RunPruner(ctx context.Context) {
	ticker := time.NewTicker(rl.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune()
		}
	}
}

// Middleware rejects requests over the caller's budget with 429.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(GetClientIP(r)) {
			RecordConnectionRejected("rate_limit")
			w.Header().Set("Retry-After", "1")
			writeError(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stats returns allow/reject counters.
func (rl *IPRateLimiter) Stats() map[string]uint64 {
	return map[string]uint64{
		"allowed":  rl.allowed.Load(),
		"rejected": rl.rejected.Load(),
	}
}

// GetClientIP returns the request's source IP. X-Forwarded-For and X-Real-IP
// are trusted; run the API behind a proxy that sets them or on loopback.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// connLimiter caps concurrent spectator sockets per IP.
type connLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newConnLimiter(maxPerIP int) *connLimiter {
	return &connLimiter{max: maxPerIP, counts: make(map[string]int)}
}

func (c *connLimiter) acquire(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] >= c.max {
		return false
	}
	c.counts[ip]++
	return true
}

func (c *connLimiter) release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] <= 1 {
		delete(c.counts, ip)
		return
	}
	c.counts[ip]--
}

// AllowedOrigins are the exact origins accepted for CORS and spectator
// WebSockets in addition to any loopback origin.
var AllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
}

// IsAllowedOrigin reports whether a browser origin may open a spectator socket.
func IsAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}

	// Loopback with any port
	if strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:") {
		return true
	}

	for _, allowed := range AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
