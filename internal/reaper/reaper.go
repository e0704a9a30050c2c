// Package reaper unwinds lapsed checkouts, returns lapsed holds to stock and prunes old idempotency
// records on a fixed interval.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/metrics"
	"github.com/talamala/bullion/internal/store"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultBatch     = 100
	DefaultRetention = 7 * 24 * time.Hour
)

// Expirer releases up to limit expired holds and reports how many it freed.
type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// ExpirerFunc adapts a function to Expirer.
type ExpirerFunc func(ctx context.Context, limit int) (int, error)

func (f ExpirerFunc) ExpireDue(ctx context.Context, limit int) (int, error) {
	return f(ctx, limit)
}

// Expirers runs each expirer in order with the same limit. Order matters when
// one expirer owns holds another would release on its own: checkouts go
// before bare unit holds so their funds are released with their units.
type Expirers []Expirer

func (es Expirers) ExpireDue(ctx context.Context, limit int) (int, error) {
	total := 0
	for _, e := range es {
		n, err := e.ExpireDue(ctx, limit)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Config tunes a Reaper.
type Config struct {
	Interval  time.Duration
	Batch     int
	Retention time.Duration
}

// Result summarises one sweep.
type Result struct {
	Released int
	Pruned   int64
	Skipped  bool
}

type Reaper struct {
	expirer Expirer
	uow     store.UnitOfWork
	locker  Locker
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

// Option customises a Reaper.
type Option func(*Reaper)

// WithClock overrides the time source used for the retention cutoff.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New builds a reaper. A nil locker means this process always sweeps.
func New(expirer Expirer, uow store.UnitOfWork, locker Locker, cfg Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if locker == nil {
		locker = LocalLocker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		expirer: expirer,
		uow:     uow,
		locker:  locker,
		logger:  logger.With(slog.String("component", "reaper")),
		metrics: m,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", slog.Duration("interval", r.cfg.Interval), slog.Int("batch", r.cfg.Batch))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep performs one pass if this replica wins the lock.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()

	release, ok, err := r.locker.Acquire(ctx, r.cfg.Interval)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		r.logger.Debug("another replica holds the reaper lock")
		return Result{Skipped: true}, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("release reaper lock", slog.Any("error", err))
		}
	}()

	var res Result
	res.Released, err = r.expirer.ExpireDue(ctx, r.cfg.Batch)
	if err != nil {
		return res, fmt.Errorf("expire holds: %w", err)
	}

	cutoff := r.now().Add(-r.cfg.Retention)
	err = conflict.Retry(ctx, conflict.DefaultAttempts, func(ctx context.Context) error {
		return r.uow.Do(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			res.Pruned, err = tx.Idempotency().Prune(ctx, cutoff)
			return err
		})
	})
	if err != nil {
		return res, fmt.Errorf("prune idempotency records: %w", err)
	}

	r.metrics.ObserveSweep(res.Released, int(res.Pruned), time.Since(start))
	if res.Released > 0 || res.Pruned > 0 {
		r.logger.Info("sweep completed",
			slog.Int("released", res.Released),
			slog.Int64("pruned", res.Pruned),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return res, nil
}
