// Package settlement composes ledger postings and unit reservations into
// all-or-nothing business flows, each guarded by an idempotency key.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/events"
	"github.com/talamala/bullion/internal/idempotency"
	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/metrics"
	"github.com/talamala/bullion/internal/store"
)

const (
	// DefaultPOSHoldTTL is how long a point-of-sale hold lasts.
	DefaultPOSHoldTTL = 2 * time.Minute
	// DefaultCheckoutHoldTTL is how long an online checkout hold lasts.
	DefaultCheckoutHoldTTL = 15 * time.Minute
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrWrongLocation      = errors.New("unit is not at this location")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrWithdrawalResolved = errors.New("withdrawal already resolved")
	ErrOrderExists        = errors.New("order already exists")
	ErrCheckoutNotFound   = errors.New("checkout not found")
	ErrCheckoutResolved   = errors.New("checkout already resolved")
	ErrCheckoutMismatch   = errors.New("settlement does not match checkout")
)

// Config tunes the orchestrator.
type Config struct {
	ConflictRetries int
	POSHoldTTL      time.Duration
	CheckoutHoldTTL time.Duration
}

// Service runs the orchestrated flows.
type Service struct {
	uow       store.UnitOfWork
	cache     *idempotency.Cache
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithCache puts a Redis read-through cache in front of idempotency records.
func WithCache(cache *idempotency.Cache) Option {
	return func(s *Service) { s.cache = cache }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs the orchestrator over a unit of work.
func NewService(uow store.UnitOfWork, cfg Config, opts ...Option) *Service {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = conflict.DefaultAttempts
	}
	if cfg.POSHoldTTL <= 0 {
		cfg.POSHoldTTL = DefaultPOSHoldTTL
	}
	if cfg.CheckoutHoldTTL <= 0 {
		cfg.CheckoutHoldTTL = DefaultCheckoutHoldTTL
	}
	s := &Service{
		uow:    uow,
		logger: slog.Default(),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher == nil {
		s.publisher = events.NewLogPublisher(s.logger)
	}
	return s
}

// publish emits a post-commit event. Delivery failures are logged; the
// committed flow is never undone because of them.
func (s *Service) publish(ctx context.Context, eventType, key string, data any) {
	if err := s.publisher.Publish(ctx, eventType, key, data); err != nil {
		logging.FromContext(ctx, s.logger).Warn("publish event",
			slog.String("type", eventType),
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// fingerprint hashes the flow name and its material fields.
func fingerprint(flow string, parts ...any) string {
	strs := make([]string, 0, len(parts)+1)
	strs = append(strs, flow)
	for _, p := range parts {
		strs = append(strs, fmt.Sprint(p))
	}
	return idempotency.Fingerprint(strs...)
}
