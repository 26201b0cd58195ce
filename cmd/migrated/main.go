package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"exodus/config"
	"exodus/core/state"
	"exodus/native/amm"
	"exodus/native/migration"
	"exodus/observability/logging"
	"exodus/rpc"
	"exodus/storage"
)

const envVar = "EXODUS_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))
	logger := logging.Setup("migrated", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	manager := state.NewManager(db)

	adapter := amm.NewAdapter(amm.NewMemoryExchange())
	adapter.SetDeadlineBuffer(time.Duration(cfg.DeadlineBufferSeconds) * time.Second)

	engine := migration.NewEngine()
	engine.SetState(manager)
	engine.SetAdapter(adapter)

	server := rpc.NewServer(engine, logger, rpc.Options{
		MaxProofLength:          cfg.MaxSnapshotProofLength,
		PublicRequestsPerMinute: cfg.PublicRequestsPerMin,
		PublicRequestBurst:      cfg.PublicRequestBurst,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", slog.String("address", cfg.ListenAddress), slog.Bool("dryRun", cfg.DryRun))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", slog.Any("error", err))
	}
	logger.Info("stopped")
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	if cfg.DryRun {
		return storage.NewMemDB(), nil
	}
	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", cfg.DataDir, err)
	}
	return db, nil
}
