// Package config provides centralized configuration for the arena client and
// server.
//
// Values resolve in three layers: compiled defaults, an optional YAML file,
// then ARENA_* environment variables (a .env file is loaded into the
// environment first). Command-line flags in cmd/ override the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"arena/internal/protocol"
	"arena/internal/transport"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds the client endpoint and tick settings.
type ClientConfig struct {
	BindAddr   string `yaml:"bind_addr"`   // Local UDP address
	ServerAddr string `yaml:"server_addr"` // Server UDP address to connect to
	TickRate   int    `yaml:"tick_rate"`   // Network ticks per second
	BufferSize int    `yaml:"buffer_size"` // Receive buffer in bytes
}

// DefaultClient returns the reference client configuration.
func DefaultClient() ClientConfig {
	return ClientConfig{
		BindAddr:   "127.0.0.1:8310",
		ServerAddr: "127.0.0.1:8311",
		TickRate:   1, // Deliberately slow for debugging
		BufferSize: transport.DefaultBufferSize,
	}
}

// ClientFromEnv applies environment overrides to cfg.
func ClientFromEnv(cfg ClientConfig) ClientConfig {
	if v := os.Getenv("ARENA_CLIENT_BIND"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("ARENA_SERVER_ADDR"); v != "" {
		cfg.ServerAddr = v
	}
	if v := getEnvInt("ARENA_CLIENT_TICK_RATE", 0); v > 0 {
		cfg.TickRate = v
	}
	if v := getEnvInt("ARENA_CLIENT_BUFFER_SIZE", 0); v > 0 {
		cfg.BufferSize = v
	}
	return cfg
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds the server endpoint, tick and peer settings.
type ServerConfig struct {
	BindAddr          string        `yaml:"bind_addr"`           // UDP address to bind
	TickRate          int           `yaml:"tick_rate"`           // Network ticks per second
	BufferSize        int           `yaml:"buffer_size"`         // Receive buffer in bytes
	PeerCapacity      int           `yaml:"peer_capacity"`       // Registry allocation hint
	MaxPeers          int           `yaml:"max_peers"`           // Registration cap; a full snapshot must fit the client buffer
	PeerIdleTimeout   time.Duration `yaml:"peer_idle_timeout"`   // 0 disables idle eviction
	EvictOnDisconnect bool          `yaml:"evict_on_disconnect"` // Remove a peer on ClientDisconnected
	APIAddr           string        `yaml:"api_addr"`            // Admin HTTP API; empty disables
	MoveSpeed         float64       `yaml:"move_speed"`          // World units per second
	WorldBounds       float64       `yaml:"world_bounds"`        // Half-extent of the arena
}

// DefaultServer returns the reference server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		BindAddr:          "127.0.0.1:8311",
		TickRate:          1,
		BufferSize:        transport.DefaultBufferSize,
		PeerCapacity:      32,
		MaxPeers:          transport.MaxPeersForBuffer(transport.DefaultBufferSize),
		PeerIdleTimeout:   10 * time.Second,
		EvictOnDisconnect: true,
		APIAddr:           "127.0.0.1:3000",
		MoveSpeed:         5.0,
		WorldBounds:       50.0,
	}
}

// ServerFromEnv applies environment overrides to cfg.
func ServerFromEnv(cfg ServerConfig) ServerConfig {
	if v := os.Getenv("ARENA_SERVER_BIND"); v != "" {
		cfg.BindAddr = v
	}
	if v := getEnvInt("ARENA_SERVER_TICK_RATE", 0); v > 0 {
		cfg.TickRate = v
	}
	if v := getEnvInt("ARENA_SERVER_BUFFER_SIZE", 0); v > 0 {
		cfg.BufferSize = v
	}
	if v := getEnvInt("ARENA_PEER_CAPACITY", 0); v > 0 {
		cfg.PeerCapacity = v
	}
	if v := getEnvInt("ARENA_MAX_PEERS", 0); v > 0 {
		cfg.MaxPeers = v
	}
	if v, ok := getEnvDuration("ARENA_PEER_IDLE_TIMEOUT"); ok {
		cfg.PeerIdleTimeout = v
	}
	if v, ok := getEnvBool("ARENA_EVICT_ON_DISCONNECT"); ok {
		cfg.EvictOnDisconnect = v
	}
	if v, ok := os.LookupEnv("ARENA_API_ADDR"); ok {
		cfg.APIAddr = v
	}
	if v := getEnvFloat("ARENA_MOVE_SPEED", 0); v > 0 {
		cfg.MoveSpeed = v
	}
	if v := getEnvFloat("ARENA_WORLD_BOUNDS", 0); v > 0 {
		cfg.WorldBounds = v
	}
	return cfg
}

// =============================================================================
// FLOOD LIMITS
// =============================================================================

// LimitsConfig controls abuse resistance on both sockets and the HTTP API.
type LimitsConfig struct {
	MaxDatagramsPerTick int     `yaml:"max_datagrams_per_tick"` // Drain cap per tick; 0 is unbounded
	PeerRateLimit       float64 `yaml:"peer_rate_limit"`        // Datagrams/s per peer; 0 disables
	PeerBurst           int     `yaml:"peer_burst"`
	HTTPRateLimit       float64 `yaml:"http_rate_limit"` // Requests/s per IP on the admin API
	HTTPBurst           int     `yaml:"http_burst"`
}

// DefaultLimits returns the default flood limits.
func DefaultLimits() LimitsConfig {
	return LimitsConfig{
		MaxDatagramsPerTick: 1024,
		PeerRateLimit:       0,
		PeerBurst:           64,
		HTTPRateLimit:       10,
		HTTPBurst:           20,
	}
}

// LimitsFromEnv applies environment overrides to cfg.
func LimitsFromEnv(cfg LimitsConfig) LimitsConfig {
	if v := getEnvInt("ARENA_MAX_DATAGRAMS_PER_TICK", -1); v >= 0 {
		cfg.MaxDatagramsPerTick = v
	}
	if v := getEnvFloat("ARENA_PEER_RATE_LIMIT", -1); v >= 0 {
		cfg.PeerRateLimit = v
	}
	if v := getEnvInt("ARENA_PEER_BURST", 0); v > 0 {
		cfg.PeerBurst = v
	}
	if v := getEnvFloat("ARENA_HTTP_RATE_LIMIT", 0); v > 0 {
		cfg.HTTPRateLimit = v
	}
	if v := getEnvInt("ARENA_HTTP_BURST", 0); v > 0 {
		cfg.HTTPBurst = v
	}
	return cfg
}

// =============================================================================
// OBSERVABILITY
// =============================================================================

// ObservabilityConfig holds logging, debug server and spectator settings.
type ObservabilityConfig struct {
	Debug       bool   `yaml:"debug"`        // Per-datagram debug logging
	DebugServer bool   `yaml:"debug_server"` // pprof, /metrics and /health
	DebugAddr   string `yaml:"debug_addr"`   // Keep on localhost
	SpectatorHz int    `yaml:"spectator_hz"` // WebSocket snapshot broadcast rate
}

// DefaultObservability returns the default observability configuration.
func DefaultObservability() ObservabilityConfig {
	return ObservabilityConfig{
		Debug:       false,
		DebugServer: true,
		DebugAddr:   "localhost:6060",
		SpectatorHz: 10,
	}
}

// ObservabilityFromEnv applies environment overrides to cfg.
func ObservabilityFromEnv(cfg ObservabilityConfig) ObservabilityConfig {
	if v, ok := getEnvBool("ARENA_DEBUG"); ok {
		cfg.Debug = v
	}
	if os.Getenv("DISABLE_DEBUG_SERVER") == "true" {
		cfg.DebugServer = false
	}
	if v := os.Getenv("ARENA_DEBUG_ADDR"); v != "" {
		cfg.DebugAddr = v
	}
	if v := getEnvInt("ARENA_SPECTATOR_HZ", 0); v > 0 {
		cfg.SpectatorHz = v
	}
	return cfg
}

// =============================================================================
// PEER HISTORY STORE
// =============================================================================

// StoreConfig holds the SQLite peer history settings.
type StoreConfig struct {
	Path      string `yaml:"path"`       // SQLite file; empty disables the store
	QueueSize int    `yaml:"queue_size"` // Buffered events before drops
}

// DefaultStore returns the default store configuration (disabled).
func DefaultStore() StoreConfig {
	return StoreConfig{QueueSize: 256}
}

// StoreFromEnv applies environment overrides to cfg.
func StoreFromEnv(cfg StoreConfig) StoreConfig {
	if v, ok := os.LookupEnv("ARENA_STORE_PATH"); ok {
		cfg.Path = v
	}
	if v := getEnvInt("ARENA_STORE_QUEUE", 0); v > 0 {
		cfg.QueueSize = v
	}
	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Client        ClientConfig        `yaml:"client"`
	Server        ServerConfig        `yaml:"server"`
	Limits        LimitsConfig        `yaml:"limits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Store         StoreConfig         `yaml:"store"`
}

// Default returns the compiled defaults.
func Default() AppConfig {
	return AppConfig{
		Client:        DefaultClient(),
		Server:        DefaultServer(),
		Limits:        DefaultLimits(),
		Observability: DefaultObservability(),
		Store:         DefaultStore(),
	}
}

// Load resolves the configuration: defaults, then the YAML file at path
// (ARENA_CONFIG when path is empty; no file is fine), then the environment.
func Load(path string) (AppConfig, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("ARENA_CONFIG")
	}
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return cfg, err
		}
	}

	cfg.Client = ClientFromEnv(cfg.Client)
	cfg.Server = ServerFromEnv(cfg.Server)
	cfg.Limits = LimitsFromEnv(cfg.Limits)
	cfg.Observability = ObservabilityFromEnv(cfg.Observability)
	cfg.Store = StoreFromEnv(cfg.Store)

	return cfg, cfg.Validate()
}

// overlayFile merges a YAML file over cfg. Keys absent from the file keep
// their current value.
func (c *AppConfig) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the sockets and loops cannot run with.
func (c AppConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Client.TickRate > 0, "client tick rate must be positive, got %d", c.Client.TickRate)
	check(c.Server.TickRate > 0, "server tick rate must be positive, got %d", c.Server.TickRate)
	check(c.Client.BufferSize >= protocol.HeaderSize, "client buffer %d is below the %d-byte header", c.Client.BufferSize, protocol.HeaderSize)
	check(c.Server.BufferSize >= protocol.HeaderSize, "server buffer %d is below the %d-byte header", c.Server.BufferSize, protocol.HeaderSize)
	check(c.Server.MaxPeers >= 1 && c.Server.MaxPeers <= transport.MaxPeerCapacity,
		"max peers must be within 1..%d, got %d", transport.MaxPeerCapacity, c.Server.MaxPeers)
	if fit := transport.MaxPeersForBuffer(c.Client.BufferSize); c.Server.MaxPeers > fit {
		check(false, "max peers %d needs a %d-byte snapshot, client buffer holds %d (at most %d peers)",
			c.Server.MaxPeers, protocol.SnapshotSize(c.Server.MaxPeers), c.Client.BufferSize, fit)
	}
	check(c.Server.PeerIdleTimeout >= 0, "peer idle timeout must not be negative")
	check(c.Limits.MaxDatagramsPerTick >= 0, "max datagrams per tick must not be negative")
	check(c.Limits.PeerRateLimit >= 0, "peer rate limit must not be negative")
	check(c.Observability.SpectatorHz > 0, "spectator rate must be positive, got %d", c.Observability.SpectatorHz)

	return errors.Join(errs...)
}

// LoadDotEnv loads a .env file into the environment, trying the parent
// directory first. It returns the file used, or "" when none was found.
func LoadDotEnv() string {
	for _, p := range []string{"../.env", ".env"} {
		if err := godotenv.Load(p); err == nil {
			return p
		}
	}
	return ""
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func getEnvDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
