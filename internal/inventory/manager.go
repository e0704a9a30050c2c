package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/metrics"
)

// DefaultTTL applies when a reserve request carries no TTL.
const DefaultTTL = 15 * time.Minute

// Manager is the standalone reservation contract; every call runs in its own
// transaction and retries storage conflicts.
type Manager struct {
	tx      Transactor
	logger  *slog.Logger
	metrics *metrics.Metrics
	ttl     time.Duration
	retries int
	now     func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDefaultTTL changes the hold duration used when a request omits one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// NewManager constructs a reservation manager.
func NewManager(tx Transactor, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	mgr := &Manager{
		tx:      tx,
		logger:  logger,
		metrics: m,
		ttl:     DefaultTTL,
		retries: conflict.DefaultAttempts,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

func (m *Manager) run(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return conflict.Retry(ctx, m.retries, func(ctx context.Context) error {
		return m.tx.InInventoryTx(ctx, fn)
	})
}

// Register records a new RAW unit.
func (m *Manager) Register(ctx context.Context, serial string) (Unit, error) {
	if serial == "" {
		return Unit{}, errors.New("serial is required")
	}
	now := m.now()
	u := Unit{
		ID:        uuid.New(),
		Serial:    serial,
		Status:    StatusRaw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := m.run(ctx, func(ctx context.Context, repo Repository) error {
		_, err := repo.Get(ctx, serial)
		switch {
		case err == nil:
			return ErrDuplicateSerial
		case !errors.Is(err, ErrUnitNotFound):
			return err
		}
		return repo.Insert(ctx, u)
	})
	if err != nil {
		return Unit{}, fmt.Errorf("register unit %s: %w", serial, err)
	}
	return u, nil
}

// Assign places a RAW unit into sellable stock.
func (m *Manager) Assign(ctx context.Context, serial, productID, locationID string) (Unit, error) {
	if productID == "" {
		return Unit{}, errors.New("product is required")
	}
	var u Unit
	err := m.run(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		u, err = repo.Assign(ctx, serial, productID, locationID, m.now())
		return err
	})
	if errors.Is(err, ErrInvalidTransition) {
		return Unit{}, &UnitError{Serial: serial, Err: ErrInvalidTransition}
	}
	return u, err
}

// Get returns a unit by serial.
func (m *Manager) Get(ctx context.Context, serial string) (Unit, error) {
	var u Unit
	err := m.tx.InInventoryTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		u, err = repo.Get(ctx, serial)
		return err
	})
	return u, err
}

// Reserve places an exclusive hold on a matching unit.
func (m *Manager) Reserve(ctx context.Context, req Request) (Reservation, error) {
	if req.TTL <= 0 {
		req.TTL = m.ttl
	}
	var res Reservation
	err := m.run(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		res, err = ReserveTx(ctx, repo, req, m.now())
		return err
	})
	m.metrics.ObserveReservation("reserve", outcome(err))
	if err != nil {
		m.logger.Debug("reserve failed", slog.String("selector", req.Selector.String()), slog.Any("error", err))
		return Reservation{}, err
	}
	m.logger.Info("unit reserved",
		slog.String("serial", res.Serial),
		slog.String("holder_id", res.HolderID),
		slog.Time("expires_at", res.ExpiresAt),
	)
	return res, nil
}

// Confirm sells the held unit to ownerID (the holder when empty). An expired
// hold is released on the way out so the unit is sellable again at once.
func (m *Manager) Confirm(ctx context.Context, token, ownerID string) (Unit, error) {
	var u Unit
	err := m.run(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		u, err = ConfirmTx(ctx, repo, token, ownerID, m.now())
		return err
	})
	m.metrics.ObserveReservation("confirm", outcome(err))
	if errors.Is(err, ErrReservationExpired) {
		if _, cerr := m.Cancel(ctx, token); cerr != nil {
			m.logger.Warn("release expired hold", slog.String("token", token), slog.Any("error", cerr))
		}
		return Unit{}, err
	}
	if err != nil {
		return Unit{}, err
	}
	m.logger.Info("unit sold", slog.String("serial", u.Serial), slog.String("owner_id", u.OwnerID))
	return u, nil
}

// Cancel releases a hold; unknown or resolved tokens succeed without effect.
func (m *Manager) Cancel(ctx context.Context, token string) (bool, error) {
	var released bool
	err := m.run(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		_, released, err = CancelTx(ctx, repo, token, m.now())
		return err
	})
	m.metrics.ObserveReservation("cancel", outcome(err))
	return released, err
}

// ExpireDue releases up to limit holds that have expired. Each release is its
// own transaction; holds confirmed or cancelled concurrently are skipped.
func (m *Manager) ExpireDue(ctx context.Context, limit int) (int, error) {
	now := m.now()
	var due []Unit
	err := m.tx.InInventoryTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		due, err = repo.ListExpired(ctx, now, limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}

	released := 0
	for _, u := range due {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		err := m.run(ctx, func(ctx context.Context, repo Repository) error {
			_, err := ExpireTx(ctx, repo, u.HoldToken, now)
			return err
		})
		switch {
		case err == nil:
			released++
			m.metrics.ObserveReservation("expire", "ok")
			m.logger.Info("expired hold released", slog.String("serial", u.Serial), slog.String("holder_id", u.HolderID))
		case errors.Is(err, ErrReservationNotFound):
			m.logger.Debug("expired hold already resolved", slog.String("serial", u.Serial))
		default:
			m.metrics.ObserveReservation("expire", "error")
			return released, fmt.Errorf("release %s: %w", u.Serial, err)
		}
	}
	return released, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotAvailable):
		return "not_available"
	case errors.Is(err, ErrReservationExpired):
		return "expired"
	case errors.Is(err, ErrReservationNotFound):
		return "not_found"
	default:
		return "error"
	}
}
