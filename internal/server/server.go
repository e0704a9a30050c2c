package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/talamala/bullion/internal/config"
	"github.com/talamala/bullion/internal/events"
	"github.com/talamala/bullion/internal/funding"
	"github.com/talamala/bullion/internal/httperr"
	"github.com/talamala/bullion/internal/idempotency"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/metrics"
	"github.com/talamala/bullion/internal/reaper"
	"github.com/talamala/bullion/internal/routes"
	"github.com/talamala/bullion/internal/settlement"
	"github.com/talamala/bullion/internal/store"
	"github.com/talamala/bullion/internal/validate"
	"github.com/talamala/bullion/internal/wallet"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app       *fiber.App
	cfg       config.Config
	publisher events.Publisher
	reaper    *reaper.Reaper
	logger    *slog.Logger
}

// New wires the domain services over backend and delegates route wiring to
// routes.Setup. cache and producer are optional.
func New(cfg config.Config, backend store.Backend, cache *redis.Client, producer sarama.SyncProducer, logger *slog.Logger) (*Server, error) {
	if backend == nil {
		return nil, errors.New("server: storage backend is required")
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if producer != nil {
		publisher = events.NewKafkaPublisher(producer, cfg.KafkaTopic, logger, m)
	}

	ledgerSvc := ledger.NewService(backend, logger, m)
	units := inventory.NewManager(backend, logger, m, inventory.WithDefaultTTL(cfg.CheckoutHoldTTL))

	opts := []settlement.Option{
		settlement.WithLogger(logger),
		settlement.WithMetrics(m),
		settlement.WithPublisher(publisher),
	}
	if cache != nil {
		opts = append(opts, settlement.WithCache(idempotency.NewCache(cache, cfg.IdempotencyTTL)))
	}
	settlementSvc := settlement.NewService(backend, settlement.Config{
		ConflictRetries: cfg.ConflictRetries,
		POSHoldTTL:      cfg.POSHoldTTL,
		CheckoutHoldTTL: cfg.CheckoutHoldTTL,
	}, opts...)

	fundingSvc, err := funding.NewService(settlementSvc, nil, logger)
	if err != nil {
		return nil, err
	}

	var locker reaper.Locker = reaper.LocalLocker{}
	if cache != nil {
		locker = reaper.NewRedisLocker(cache, "")
	}
	sweeper := reaper.New(reaper.Expirers{reaper.ExpirerFunc(settlementSvc.ExpireCheckouts), units}, backend, locker, reaper.Config{
		Interval:  cfg.ReaperInterval,
		Batch:     cfg.ReaperBatch,
		Retention: cfg.IdempotencyRetention,
	}, logger, m)

	v := validate.New()
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: httperr.Handler(logger),
	})

	routes.Setup(app, routes.Deps{
		Cfg:        cfg,
		Backend:    backend,
		Cache:      cache,
		Logger:     logger,
		Metrics:    m,
		Registry:   registry,
		Wallet:     wallet.NewHandler(ledgerSvc, settlementSvc, v),
		Inventory:  inventory.NewHandler(units, v),
		Settlement: settlement.NewHandler(settlementSvc, v),
		Funding:    funding.NewHandler(fundingSvc, v),
	})

	return &Server{app: app, cfg: cfg, publisher: publisher, reaper: sweeper, logger: logger}, nil
}

// App exposes the Fiber application, mostly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// RunReaper sweeps expired holds until ctx is cancelled.
func (s *Server) RunReaper(ctx context.Context) {
	s.reaper.Run(ctx)
}

// Shutdown gracefully stops the HTTP server and flushes the event publisher.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	if cerr := s.publisher.Close(); cerr != nil {
		s.logger.Warn("close publisher", "error", cerr)
	}
	return err
}
