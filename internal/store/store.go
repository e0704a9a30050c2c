// Package store defines the unit of work shared by the ledger, the
// reservation manager, the idempotency guard and the order rows.
package store

import (
	"context"

	"github.com/talamala/bullion/internal/idempotency"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/orders"
)

// Tx exposes every repository bound to one storage transaction.
type Tx interface {
	Ledger() ledger.Repository
	Inventory() inventory.Repository
	Idempotency() idempotency.Repository
	Orders() orders.Repository
}

// UnitOfWork runs fn in a single transaction: it commits when fn returns nil
// and rolls back otherwise. Contention inside the storage engine surfaces as
// conflict.ErrStorageConflict.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Backend is a complete storage implementation.
type Backend interface {
	UnitOfWork
	ledger.Transactor
	inventory.Transactor
	Ping(ctx context.Context) error
	Close()
}
