// Package postgres is the PostgreSQL storage backend. Every unit of work is
// one READ COMMITTED transaction; exclusivity comes from row locks on
// accounts and order rows, conditional updates on bars and unique keys.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/idempotency"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/orders"
	"github.com/talamala/bullion/internal/store"
)

//go:embed schema.sql
var schema string

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// Backend implements store.Backend on a pgx pool.
type Backend struct {
	db *pgxpool.Pool
}

var _ store.Backend = (*Backend)(nil)

// New wraps an open pool.
func New(db *pgxpool.Pool) *Backend {
	return &Backend{db: db}
}

// Migrate creates the tables and indexes when missing.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) Ledger() ledger.Repository           { return ledgerRepo{t.tx} }
func (t *tx) Inventory() inventory.Repository     { return inventoryRepo{t.tx} }
func (t *tx) Idempotency() idempotency.Repository { return idempotencyRepo{t.tx} }
func (t *tx) Orders() orders.Repository           { return ordersRepo{t.tx} }

// Do runs fn in a transaction, committing on success.
func (b *Backend) Do(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgTx, err := b.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer pgTx.Rollback(ctx) // nolint:errcheck

	if err := fn(ctx, &tx{tx: pgTx}); err != nil {
		return classify(err)
	}
	if err := pgTx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (b *Backend) InLedgerTx(ctx context.Context, fn func(ctx context.Context, repo ledger.Repository) error) error {
	return b.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, tx.Ledger())
	})
}

func (b *Backend) InInventoryTx(ctx context.Context, fn func(ctx context.Context, repo inventory.Repository) error) error {
	return b.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, tx.Inventory())
	})
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.db.Ping(ctx)
}

func (b *Backend) Close() {
	b.db.Close()
}

// classify maps contention errors to conflict.ErrStorageConflict so the unit
// of work can be retried.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
			return conflict.Wrap(err)
		}
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
