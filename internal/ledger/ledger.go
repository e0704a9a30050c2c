package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/talamala/bullion/internal/asset"
)

var (
	// ErrInsufficientFunds occurs when an account lacks the available (or
	// withdrawable) balance a posting needs.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientHold occurs when a release or commit exceeds the locked balance.
	ErrInsufficientHold = errors.New("insufficient hold")

	// ErrDuplicatePosting indicates the batch key was already posted; the
	// returned snapshots are the ones recorded by the original posting.
	ErrDuplicatePosting = errors.New("duplicate posting")

	// ErrAccountNotFound is returned by repositories for unknown (owner, asset) pairs.
	ErrAccountNotFound = errors.New("account not found")

	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvalidKind   = errors.New("unknown posting kind")
	ErrMissingKey    = errors.New("posting batch requires an idempotency key")
	ErrEmptyBatch    = errors.New("posting batch has no postings")
)

// Kind labels a posting and decides its arithmetic.
type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
	KindPayment  Kind = "payment"
	KindRefund   Kind = "refund"
	KindHold     Kind = "hold"
	KindRelease  Kind = "release"
	KindCommit   Kind = "commit"
	KindCredit   Kind = "credit"
)

// Reference ties entries to the business object that produced them.
type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Account is the per (owner, asset) balance row.
type Account struct {
	ID        uuid.UUID  `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Asset     asset.Code `json:"asset"`
	Balance   int64      `json:"balance"`
	Locked    int64      `json:"locked"`
	Credit    int64      `json:"credit"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Available is the part of the balance not locked by holds.
func (a Account) Available() int64 {
	return a.Balance - a.Locked
}

// Withdrawable is the part of the balance that may leave the system: neither
// locked nor promotional credit.
func (a Account) Withdrawable() int64 {
	w := a.Balance - a.Locked - a.Credit
	if w < 0 {
		return 0
	}
	return w
}

// Posting is one balance mutation requested against a single account.
type Posting struct {
	OwnerID string
	Asset   asset.Code
	Kind    Kind
	Amount  int64
	// ConsumeCredit lets a withdraw spend credit after regular money runs out.
	ConsumeCredit bool
	Description   string
}

// Batch is the all-or-nothing unit accepted by PostTx.
type Batch struct {
	Key       string
	Reference Reference
	Postings  []Posting
}

// Entry is an append-only record of one applied posting.
type Entry struct {
	ID             uuid.UUID  `json:"id"`
	AccountID      uuid.UUID  `json:"account_id"`
	OwnerID        string     `json:"owner_id"`
	Asset          asset.Code `json:"asset"`
	Kind           Kind       `json:"kind"`
	DeltaBalance   int64      `json:"delta_balance"`
	DeltaLocked    int64      `json:"delta_locked"`
	DeltaCredit    int64      `json:"delta_credit"`
	BalanceAfter   int64      `json:"balance_after"`
	LockedAfter    int64      `json:"locked_after"`
	CreditAfter    int64      `json:"credit_after"`
	BatchKey       string     `json:"batch_key"`
	IdempotencyKey string     `json:"idempotency_key"`
	Reference      Reference  `json:"reference"`
	Description    string     `json:"description"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Amount is the posting amount that produced the entry: the largest of its
// deltas in absolute value.
func (e Entry) Amount() int64 {
	return max(abs(e.DeltaBalance), abs(e.DeltaLocked), abs(e.DeltaCredit))
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// BalanceError carries the context of a rejected posting.
type BalanceError struct {
	OwnerID   string
	Asset     asset.Code
	Kind      Kind
	Amount    int64
	Available int64
	Err       error
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("%v: %s of %d %s for %s (have %d)", e.Err, e.Kind, e.Amount, e.Asset, e.OwnerID, e.Available)
}

func (e *BalanceError) Unwrap() error { return e.Err }

// Repository is the storage contract the ledger needs inside one transaction.
// Implementations must keep LockAccount's row locked until the transaction ends.
type Repository interface {
	// LockAccount returns the account for (owner, asset), creating an empty one
	// when missing, and locks it for the rest of the transaction.
	LockAccount(ctx context.Context, ownerID string, code asset.Code) (Account, error)
	SaveAccount(ctx context.Context, acct Account) error
	AppendEntries(ctx context.Context, entries []Entry) error
	EntriesByBatch(ctx context.Context, batchKey string) ([]Entry, error)
	FindAccount(ctx context.Context, ownerID string, code asset.Code) (Account, error)
	// ListEntries returns an account's entries newest first.
	ListEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]Entry, error)
	// ReplayEntries returns all of an account's entries in creation order.
	ReplayEntries(ctx context.Context, accountID uuid.UUID) ([]Entry, error)
}

// Transactor runs fn inside a single storage transaction.
type Transactor interface {
	InLedgerTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
