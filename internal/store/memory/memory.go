// Package memory is a process-local storage backend. Units of work are
// serialized behind one mutex and rolled back from a snapshot on error, which
// makes it suitable for tests and single-node development.
package memory

import (
	"context"
	"sync"

	"github.com/talamala/bullion/internal/idempotency"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/orders"
	"github.com/talamala/bullion/internal/store"
)

type state struct {
	accounts map[accountKey]ledger.Account
	entries  []ledger.Entry
	units    map[string]inventory.Unit
	tokens   map[string]string
	records  map[string]idempotency.Record
	// rows are replaced whole on update, never mutated in place
	checkouts   map[string]orders.Checkout
	withdrawals map[string]orders.Withdrawal
}

func (s *state) clone() *state {
	c := &state{
		accounts: make(map[accountKey]ledger.Account, len(s.accounts)),
		// entries are append-only, truncating on rollback is enough
		entries: s.entries,
		units:   make(map[string]inventory.Unit, len(s.units)),
		tokens:  make(map[string]string, len(s.tokens)),
		records: make(map[string]idempotency.Record, len(s.records)),

		checkouts:   make(map[string]orders.Checkout, len(s.checkouts)),
		withdrawals: make(map[string]orders.Withdrawal, len(s.withdrawals)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.checkouts {
		c.checkouts[k] = v
	}
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	return c
}

// Backend implements store.Backend in memory.
type Backend struct {
	mu sync.Mutex
	st *state
}

var _ store.Backend = (*Backend)(nil)

// New creates an empty backend.
func New() *Backend {
	return &Backend{st: &state{
		accounts: make(map[accountKey]ledger.Account),
		units:    make(map[string]inventory.Unit),
		tokens:   make(map[string]string),
		records:  make(map[string]idempotency.Record),

		checkouts:   make(map[string]orders.Checkout),
		withdrawals: make(map[string]orders.Withdrawal),
	}}
}

type tx struct {
	st *state
}

func (t *tx) Ledger() ledger.Repository           { return ledgerRepo{t.st} }
func (t *tx) Inventory() inventory.Repository     { return inventoryRepo{t.st} }
func (t *tx) Idempotency() idempotency.Repository { return idempotencyRepo{t.st} }
func (t *tx) Orders() orders.Repository           { return ordersRepo{t.st} }

// Do runs fn with exclusive access to the state; any error restores the state
// as it was before fn started.
func (b *Backend) Do(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	saved := b.st.clone()
	if err := fn(ctx, &tx{st: b.st}); err != nil {
		saved.entries = saved.entries[:len(saved.entries):len(saved.entries)]
		b.st = saved
		return err
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

func (b *Backend) Ping(context.Context) error { return nil }

func (b *Backend) Close() {}
