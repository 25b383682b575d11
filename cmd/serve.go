package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmbus/swarmbus/internal/bus"
	"github.com/swarmbus/swarmbus/internal/config"
	"github.com/swarmbus/swarmbus/internal/spawn"
	"github.com/swarmbus/swarmbus/internal/store"
	"github.com/swarmbus/swarmbus/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the swarmbus server",
	RunE:  runServe,
}

var (
	servePort       int
	serveConfigPath string
)

const redisDialTimeout = 3 * time.Second

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Config file path")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	fmt.Printf("🐝 Starting swarmbus on port %d...\n", cfg.Server.Port)

	durable, err := openDurableLog(cfg.Store)
	if err != nil {
		return err
	}

	st := store.New(cfg.Store.RingCapacity, durable)
	defer st.Close()

	registry, err := spawn.LoadRegistry(cfg.Spawn.RegistryPath)
	if err != nil {
		return fmt.Errorf("loading agent registry: %w", err)
	}
	if types := registry.Types(); len(types) > 0 {
		fmt.Printf("✓ Agent types: %v\n", types)
	} else {
		fmt.Println("⚠ No agent types registered, mentions will not spawn anything")
	}

	busURL := fmt.Sprintf("ws://127.0.0.1:%d", cfg.Server.Port)
	ctl := spawn.NewController(spawn.ControllerConfig{
		Registry:      registry,
		Launcher:      &spawn.ExecLauncher{},
		Memberships:   st,
		BusURL:        busURL,
		MaxPerChannel: cfg.Spawn.MaxPerChannel,
	})

	hub := transport.NewHub()
	orchestrator := bus.New(bus.Config{
		Store:        st,
		Hub:          hub,
		Controller:   ctl,
		CatchupCount: cfg.Store.CatchupCount,
	})
	defer orchestrator.Close()

	server := transport.NewServer(transport.ServerConfig{
		Port:   cfg.Server.Port,
		APIKey: cfg.Server.APIKey,
	}, hub, orchestrator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		for _, rec := range ctl.DespawnAll() {
			log.Printf("[Serve] despawned %s", rec.Identity)
		}
		cancel()
	}()

	return server.Start(ctx)
}

// openDurableLog picks the durable backend: Redis when configured, SQLite
// otherwise, none when both are empty. An unreachable Redis at startup
// degrades to the next backend with a warning rather than refusing to serve;
// the ring keeps the bus usable while Redis is down.
func openDurableLog(cfg config.StoreConfig) (store.Log, error) {
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
		durable, err := store.NewRedisLog(ctx, cfg.RedisURL)
		cancel()
		if err == nil {
			fmt.Println("✓ Durable log: redis")
			return durable, nil
		}
		log.Printf("[Serve] redis unavailable, falling back: %v", err)
		fmt.Println("⚠ Redis unreachable, durable log degraded")
	}
	if cfg.SQLitePath != "" {
		durable, err := store.NewSQLiteLog(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening ledger at %s: %w", cfg.SQLitePath, err)
		}
		fmt.Printf("✓ Durable log: %s\n", cfg.SQLitePath)
		return durable, nil
	}
	fmt.Println("⚠ No durable log configured, history beyond the ring is lost")
	return nil, nil
}
