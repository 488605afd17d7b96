package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"arena/internal/config"
	"arena/internal/logging"
	"arena/internal/protocol"
	"arena/internal/session"
	"arena/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $ARENA_CONFIG)")
	bind := flag.String("bind", "", "Local UDP address")
	server := flag.String("server", "", "Server UDP address")
	tickRate := flag.Int("tick-rate", 0, "Client ticks per second")
	pattern := flag.String("input", "f,f,r,r,b,b,l,l,-", "Input script: comma separated steps of f/b/l/r or -")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if env := config.LoadDotEnv(); env != "" {
		logging.Info("✅ Loaded environment from %s", env)
	}

	appCfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("❌ Invalid configuration: %v", err)
		os.Exit(1)
	}
	cfg := appCfg.Client
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bind":
			cfg.BindAddr = *bind
		case "server":
			cfg.ServerAddr = *server
		case "tick-rate":
			cfg.TickRate = *tickRate
		}
	})
	if cfg.TickRate <= 0 {
		logging.Error("❌ Tick rate must be positive, got %d", cfg.TickRate)
		os.Exit(1)
	}
	if *debug || appCfg.Observability.Debug {
		logging.EnableDebug()
	}

	script, err := parseScript(*pattern)
	if err != nil {
		logging.Error("❌ Bad input script: %v", err)
		os.Exit(1)
	}

	logging.Banner(
		"🎮 ================================",
		"🎮  ARENA - HEADLESS CLIENT",
		"🎮 ================================",
	)

	sock, err := transport.BindClient(cfg.BindAddr, transport.Options{BufferSize: cfg.BufferSize, Nonblocking: true})
	if err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
	defer sock.Close()

	if err := sock.Connect(cfg.ServerAddr); err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
	logging.Info("📡 %s -> %s at %d Hz", sock.LocalAddr(), sock.Peer(), cfg.TickRate)

	sink := session.SnapshotFunc(func(seq uint32, snap protocol.ServerGameStateSnapshot) {
		logging.Info("📸 Snapshot #%d: %d players", seq, snap.Len())
		if logging.DebugEnabled() {
			for i := 0; i < snap.Len(); i++ {
				p := snap.PlayerPositions[i]
				logging.Debug("   player %d at (%.2f, %.2f, %.2f) yaw %.2f",
					snap.PlayerIDs[i], p.X, p.Y, p.Z, snap.PlayerRotations[i].Y)
			}
		}
	})

	loop := session.NewClientLoop(session.ClientConfig{
		TickRate:            cfg.TickRate,
		MaxDatagramsPerTick: session.DefaultClientConfig().MaxDatagramsPerTick,
	}, sock, script, sink)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := loop.Run(ctx); err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
	logging.Info("👋 Goodbye!")
}
