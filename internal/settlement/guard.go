package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/idempotency"
	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/metrics"
	"github.com/talamala/bullion/internal/store"
)

// WithIdempotency runs work at most once per key in one unit of work and
// returns the first result to every later caller with the same fingerprint.
// Storage conflicts restart the whole unit, bounded by the configured
// retries; any other error propagates unchanged and records nothing.
func WithIdempotency[T any](ctx context.Context, s *Service, flow, key, fp string, work func(ctx context.Context, tx store.Tx) (T, error)) (T, bool, error) {
	start := time.Now()
	logger := logging.FromContext(ctx, s.logger).With(slog.String("flow", flow), slog.String("idempotency_key", key))

	out, replayed, err := guard(ctx, s, logger, flow, key, fp, work)

	outcome := metrics.Outcome(err)
	if replayed {
		outcome = "replayed"
		s.metrics.ObserveReplay(flow)
	}
	s.metrics.ObserveFlow(flow, outcome, time.Since(start))

	switch {
	case err == nil:
		logger.Info("flow completed", slog.Bool("replayed", replayed), slog.Duration("duration", time.Since(start)))
	case errors.Is(err, idempotency.ErrConflict), conflict.Is(err):
		logger.Warn("flow failed", slog.Any("error", err))
	default:
		logger.Info("flow rejected", slog.Any("error", err))
	}
	return out, replayed, err
}

func guard[T any](ctx context.Context, s *Service, logger *slog.Logger, flow, key, fp string, work func(ctx context.Context, tx store.Tx) (T, error)) (T, bool, error) {
	var zero T
	if key == "" {
		return zero, false, idempotency.ErrMissingKey
	}

	if rec, found, err := s.cache.Lookup(ctx, key); err != nil {
		logger.Warn("idempotency cache lookup", slog.Any("error", err))
	} else if found {
		out, err := idempotency.Decode[T](rec, fp)
		return out, err == nil, err
	}

	var (
		out      T
		replayed bool
	)
	err := conflict.Retry(ctx, s.cfg.ConflictRetries, func(ctx context.Context) error {
		return s.uow.Do(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			out, replayed, err = idempotency.Execute(ctx, tx.Idempotency(), key, fp, s.now(), func(ctx context.Context) (T, error) {
				return work(ctx, tx)
			})
			return err
		})
	}, func(attempt int, err error) {
		s.metrics.ObserveRetry(flow)
		logger.Debug("retrying after storage conflict", slog.Int("attempt", attempt), slog.Any("error", err))
	})
	if err != nil {
		return zero, false, err
	}

	if !replayed {
		remember(ctx, s, logger, key, fp, out)
	}
	return out, replayed, nil
}

func remember[T any](ctx context.Context, s *Service, logger *slog.Logger, key, fp string, out T) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return
	}
	rec := idempotency.Record{Key: key, Fingerprint: fp, Result: payload, CreatedAt: s.now()}
	if err := s.cache.Remember(ctx, rec); err != nil {
		logger.Warn("idempotency cache store", slog.Any("error", err))
	}
}
