package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/idempotency"
	"github.com/talamala/bullion/internal/metrics"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Reconciliation compares an account row with the replay of its entries.
type Reconciliation struct {
	Account    Account `json:"account"`
	Replayed   Totals  `json:"replayed"`
	Entries    int     `json:"entries"`
	Consistent bool    `json:"consistent"`
	// FirstBroken is the index of the first entry whose snapshot disagrees
	// with the running total, -1 when none does.
	FirstBroken int `json:"first_broken"`
}

// Service exposes the ledger as a standalone contract; each call is its own
// transaction.
type Service struct {
	tx      Transactor
	logger  *slog.Logger
	metrics *metrics.Metrics
	retries int
	now     func() time.Time
}

// NewService constructs a ledger service.
func NewService(tx Transactor, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tx:      tx,
		logger:  logger,
		metrics: m,
		retries: conflict.DefaultAttempts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Post applies a posting batch atomically. Storage conflicts are retried.
func (s *Service) Post(ctx context.Context, batch Batch) ([]Account, error) {
	var out []Account
	err := conflict.Retry(ctx, s.retries, func(ctx context.Context) error {
		return s.tx.InLedgerTx(ctx, func(ctx context.Context, repo Repository) error {
			var err error
			out, err = PostTx(ctx, repo, batch, s.now())
			return err
		})
	})
	ObservePostings(s.metrics, batch, err)
	if err != nil && !errors.Is(err, ErrDuplicatePosting) {
		s.logger.Warn("ledger posting rejected", slog.String("key", batch.Key), slog.Any("error", err))
	}
	return out, err
}

// Balance returns the current account snapshot. Unknown pairs report a zero
// account without creating a row.
func (s *Service) Balance(ctx context.Context, ownerID string, code asset.Code) (Account, error) {
	if !code.Valid() {
		return Account{}, fmt.Errorf("%w: %q", asset.ErrUnknown, code)
	}
	var acct Account
	err := s.tx.InLedgerTx(ctx, func(ctx context.Context, repo Repository) error {
		found, err := repo.FindAccount(ctx, ownerID, code)
		if errors.Is(err, ErrAccountNotFound) {
			acct = Account{OwnerID: ownerID, Asset: code}
			return nil
		}
		acct = found
		return err
	})
	return acct, err
}

// Entries pages through an account's history, newest first.
func (s *Service) Entries(ctx context.Context, ownerID string, code asset.Code, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	var out []Entry
	err := s.tx.InLedgerTx(ctx, func(ctx context.Context, repo Repository) error {
		acct, err := repo.FindAccount(ctx, ownerID, code)
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = repo.ListEntries(ctx, acct.ID, limit, offset)
		return err
	})
	if out == nil {
		out = []Entry{}
	}
	return out, err
}

// Reconcile replays an account's entries and compares them with the row.
func (s *Service) Reconcile(ctx context.Context, ownerID string, code asset.Code) (Reconciliation, error) {
	var rec Reconciliation
	err := s.tx.InLedgerTx(ctx, func(ctx context.Context, repo Repository) error {
		acct, err := repo.FindAccount(ctx, ownerID, code)
		if errors.Is(err, ErrAccountNotFound) {
			rec = Reconciliation{Account: Account{OwnerID: ownerID, Asset: code}, Consistent: true, FirstBroken: -1}
			return nil
		}
		if err != nil {
			return err
		}
		entries, err := repo.ReplayEntries(ctx, acct.ID)
		if err != nil {
			return err
		}
		totals, broken := Replay(entries)
		rec = Reconciliation{
			Account:     acct,
			Replayed:    totals,
			Entries:     len(entries),
			FirstBroken: broken,
			Consistent: broken < 0 &&
				totals.Balance == acct.Balance &&
				totals.Locked == acct.Locked &&
				totals.Credit == acct.Credit,
		}
		return nil
	})
	if err == nil && !rec.Consistent {
		s.logger.Error("ledger reconciliation mismatch",
			slog.String("owner_id", ownerID),
			slog.String("asset", string(code)),
			slog.Int("first_broken", rec.FirstBroken),
		)
	}
	return rec, err
}

// ObservePostings records one sample per posting of batch.
func ObservePostings(m *metrics.Metrics, batch Batch, err error) {
	outcome := metrics.Outcome(err)
	switch {
	case errors.Is(err, ErrDuplicatePosting):
		outcome = "duplicate"
	case errors.Is(err, idempotency.ErrConflict):
		outcome = "conflict"
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientHold):
		outcome = "rejected"
	}
	for _, p := range batch.Postings {
		m.ObservePosting(string(p.Kind), outcome)
	}
}
