// Package orders keeps the durable state of flows that span several calls:
// checkouts waiting for payment and withdrawals waiting for an operator.
// Rows outlive idempotency records, so a flow can always be resolved.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/talamala/bullion/internal/asset"
)

var (
	ErrNotFound = errors.New("order not found")
	ErrExists   = errors.New("order already exists")
)

// Checkout is a buyer's held funds plus the reservations bought with them.
type Checkout struct {
	OrderID   string
	BuyerID   string
	Asset     asset.Code
	Amount    int64
	Tokens    []string
	Status    string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Withdrawal is a held amount waiting to leave the system.
type Withdrawal struct {
	WithdrawalID string
	OwnerID      string
	Asset        asset.Code
	Amount       int64
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Repository stores order rows inside the caller's transaction. The Lock
// methods take a row lock that is held until the transaction ends, which
// serializes every resolution of the same order.
type Repository interface {
	InsertCheckout(ctx context.Context, c Checkout) error
	LockCheckout(ctx context.Context, orderID string) (Checkout, error)
	SetCheckoutStatus(ctx context.Context, orderID, status string, now time.Time) error
	// ListExpiredCheckouts returns checkouts still in status whose expiry is
	// strictly before now, oldest expiry first.
	ListExpiredCheckouts(ctx context.Context, status string, now time.Time, limit int) ([]Checkout, error)

	InsertWithdrawal(ctx context.Context, w Withdrawal) error
	LockWithdrawal(ctx context.Context, withdrawalID string) (Withdrawal, error)
	SetWithdrawalStatus(ctx context.Context, withdrawalID, status string, now time.Time) error
}
