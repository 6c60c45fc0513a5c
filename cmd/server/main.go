package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tyrowin/docrelay/internal/config"
	"github.com/Tyrowin/docrelay/internal/events"
	"github.com/Tyrowin/docrelay/internal/logging"
	"github.com/Tyrowin/docrelay/internal/registry"
	"github.com/Tyrowin/docrelay/internal/server"
	"github.com/Tyrowin/docrelay/internal/shutdown"
	"github.com/Tyrowin/docrelay/internal/syncengine"
	"github.com/Tyrowin/docrelay/internal/telemetry"
)

// rootCmd runs the relay.
var rootCmd = &cobra.Command{
	Use:          "docrelay",
	Short:        "WebSocket relay for collaborative document editing",
	Long:         "Accepts WebSocket connections, groups them into rooms named by the request path or ?room= query, and relays document sync frames between members of a room.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}

		v, err := config.NewViper(cmd.Flags())
		if err != nil {
			return err
		}
		cfg, err := config.Load(v)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, err := logging.New(cfg.Env, cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		defer func() { _ = log.Sync() }()

		return run(cmd.Context(), cfg, log)
	},
}

func init() {
	config.RegisterFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	log.Info("starting docrelay",
		zap.String("addr", cfg.Addr()),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Bool("compaction", cfg.EnableCompaction),
	)

	hubCfg := server.HubConfig{
		Registry:       registry.New(),
		Engine:         syncengine.NewRelay(log, cfg.HistoryLimit),
		Metrics:        telemetry.New(),
		Logger:         log,
		MaxConnections: cfg.MaxConnections,
		MaxMessageSize: cfg.MaxMessageSize,
		FrameLimit:     cfg.FrameLimit,
		Sync:           syncengine.Options{EnableCompaction: cfg.EnableCompaction},
		AllowedOrigins: cfg.AllowedOrigins,
	}

	var opts []shutdown.Option
	if cfg.RedisAddr != "" {
		rdb, err := events.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		pub := events.NewRedisPublisher(rdb, cfg.RedisChannel, log)
		hubCfg.Events = pub
		hubCfg.Instance = pub.Instance()
		opts = append(opts, shutdown.WithAfter(pub.Close))
		log.Info("publishing room events", zap.String("redis_addr", cfg.RedisAddr), zap.String("channel", cfg.RedisChannel))
	}

	hub := server.NewHub(hubCfg)
	srv := server.CreateServer(cfg.Addr(), server.NewRouter(server.NewHandlers(hub, cfg.PublicURL)))
	coordinator := shutdown.New(hub, srv, cfg.GracePeriod, log, opts...)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(srv, log)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			log.Error("listener failed", zap.Error(err))
			return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
		}
		return nil
	case sig := <-sigCh:
		return coordinator.Shutdown(sig.String())
	}
}
