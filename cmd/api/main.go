package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"

	"github.com/talamala/bullion/internal/config"
	"github.com/talamala/bullion/internal/infra"
	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/server"
	"github.com/talamala/bullion/internal/store"
	"github.com/talamala/bullion/internal/store/memory"
	"github.com/talamala/bullion/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName, cfg.Env)

	ctx := context.Background()

	var backend store.Backend
	if cfg.DatabaseURL != "" {
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		pg := postgres.New(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("migrate postgres", "error", err)
			os.Exit(1)
		}
		backend = pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		backend = memory.New()
	}
	defer backend.Close()

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if cache != nil {
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	var producer sarama.SyncProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = infra.NewKafkaProducer(cfg.KafkaBrokers, cfg.AppName)
		if err != nil {
			logger.Error("connect kafka", "error", err)
			os.Exit(1)
		}
	}

	srv, err := server.New(cfg, backend, cache, producer, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go srv.RunReaper(reaperCtx)

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	stopReaper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
