package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arena/internal/api"
	"arena/internal/config"
	"arena/internal/game"
	"arena/internal/logging"
	"arena/internal/session"
	"arena/internal/store"
	"arena/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $ARENA_CONFIG)")
	bind := flag.String("bind", "", "UDP address to listen on")
	tickRate := flag.Int("tick-rate", 0, "Server ticks per second")
	apiAddr := flag.String("api", "", "Admin API address (\"off\" disables)")
	storePath := flag.String("store", "", "SQLite peer history file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if env := config.LoadDotEnv(); env != "" {
		logging.Info("✅ Loaded environment from %s", env)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("❌ Invalid configuration: %v", err)
		os.Exit(1)
	}

	// Flags win over file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bind":
			cfg.Server.BindAddr = *bind
		case "tick-rate":
			cfg.Server.TickRate = *tickRate
		case "api":
			cfg.Server.APIAddr = *apiAddr
			if *apiAddr == "off" {
				cfg.Server.APIAddr = ""
			}
		case "store":
			cfg.Store.Path = *storePath
		case "debug":
			cfg.Observability.Debug = *debug
		}
	})
	if err := cfg.Validate(); err != nil {
		logging.Error("❌ Invalid configuration: %v", err)
		os.Exit(1)
	}
	if cfg.Observability.Debug {
		logging.EnableDebug()
	}

	logging.Banner(
		"🎮 ================================",
		"🎮  ARENA - UDP GAME SERVER",
		"🎮 ================================",
	)

	srvCfg := cfg.Server
	sock, err := transport.BindServer(srvCfg.BindAddr,
		transport.Options{BufferSize: srvCfg.BufferSize, Nonblocking: true},
		transport.ServerOptions{
			Capacity:      srvCfg.PeerCapacity,
			MaxPeers:      srvCfg.MaxPeers,
			PeerRateLimit: cfg.Limits.PeerRateLimit,
			PeerBurst:     cfg.Limits.PeerBurst,
		})
	if err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
	defer sock.Close()
	logging.Info("📡 Listening on udp://%s (max %d peers, %d Hz)", sock.LocalAddr(), srvCfg.MaxPeers, srvCfg.TickRate)

	world := game.NewWorld(game.Settings{
		MoveSpeed:   srvCfg.MoveSpeed,
		Bounds:      srvCfg.WorldBounds,
		SpawnRadius: game.DefaultSettings().SpawnRadius,
	})
	snapshots := game.NewSnapshotSource()

	var history *store.Store
	var observer session.PeerObserver
	if cfg.Store.Path != "" {
		history, err = store.Open(cfg.Store.Path, cfg.Store.QueueSize)
		if err != nil {
			logging.Warn("⚠️ Peer history disabled: %v", err)
		} else {
			defer history.Close()
			observer = history
		}
	}

	loop := session.NewServerLoop(session.ServerConfig{
		TickRate:            srvCfg.TickRate,
		MaxDatagramsPerTick: cfg.Limits.MaxDatagramsPerTick,
		PeerIdleTimeout:     srvCfg.PeerIdleTimeout,
		EvictOnDisconnect:   srvCfg.EvictOnDisconnect,
	}, sock, world, observer, snapshots)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs := cfg.Observability
	debugSrv, err := api.StartDebugServer(api.DebugConfig{Enabled: obs.DebugServer, ListenAddr: obs.DebugAddr})
	if err != nil {
		logging.Warn("⚠️ Debug server disabled: %v", err)
	}

	var apiSrv *api.Server
	if srvCfg.APIAddr != "" {
		routerCfg := api.RouterConfig{
			Views:       loop,
			Snapshots:   snapshots,
			WorldBounds: srvCfg.WorldBounds,
			RateLimitConfig: &api.RateLimitConfig{
				RequestsPerSecond: cfg.Limits.HTTPRateLimit,
				Burst:             cfg.Limits.HTTPBurst,
			},
			DisableLogging: !cfg.Observability.Debug,
		}
		if history != nil {
			routerCfg.History = history
		}
		apiSrv = api.NewServer(routerCfg, obs.SpectatorHz)
		if _, err := apiSrv.Start(srvCfg.APIAddr); err != nil {
			logging.Warn("⚠️ Admin API disabled: %v", err)
			apiSrv = nil
		}
	}

	logging.Info("✅ Server ready! Press Ctrl+C to stop.")
	loop.Run(ctx)

	logging.Info("🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if apiSrv != nil {
		if err := apiSrv.Stop(shutdownCtx); err != nil {
			logging.Warn("⚠️ Admin API shutdown: %v", err)
		}
	}
	if debugSrv != nil {
		debugSrv.Shutdown(shutdownCtx)
	}
	logging.Info("👋 Goodbye!")
}
