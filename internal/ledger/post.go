package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/idempotency"
)

type accountKey struct {
	owner string
	asset asset.Code
}

// EntryKey derives the idempotency key of the i-th entry of a batch.
func EntryKey(batchKey string, i int) string {
	return fmt.Sprintf("%s#%d", batchKey, i)
}

func (b Batch) validate() error {
	if b.Key == "" {
		return ErrMissingKey
	}
	if len(b.Postings) == 0 {
		return ErrEmptyBatch
	}
	for _, p := range b.Postings {
		if p.OwnerID == "" {
			return fmt.Errorf("posting owner is required")
		}
		if !p.Asset.Valid() {
			return fmt.Errorf("%w: %q", asset.ErrUnknown, p.Asset)
		}
		if p.Amount <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidAmount, p.Amount)
		}
	}
	return nil
}

// PostTx applies every posting of batch within the caller's transaction. Either
// all entries are written and all touched accounts updated, or an error is
// returned and nothing was written by this call. Accounts are locked in
// (owner, asset) order so concurrent batches cannot deadlock on each other.
//
// The returned accounts are the post-mutation snapshots in first-touch order.
// A batch key that was already posted with the same postings yields the
// recorded snapshots together with ErrDuplicatePosting; different postings
// under that key fail with *idempotency.ConflictError.
func PostTx(ctx context.Context, repo Repository, batch Batch, now time.Time) ([]Account, error) {
	if err := batch.validate(); err != nil {
		return nil, err
	}

	prior, err := repo.EntriesByBatch(ctx, batch.Key)
	if err != nil {
		return nil, fmt.Errorf("lookup batch %s: %w", batch.Key, err)
	}
	if len(prior) > 0 {
		if !samePostings(batch.Key, prior, batch.Postings) {
			return nil, &idempotency.ConflictError{Key: batch.Key}
		}
		return snapshots(prior), ErrDuplicatePosting
	}

	touched := make([]accountKey, 0, len(batch.Postings))
	seen := make(map[accountKey]bool, len(batch.Postings))
	for _, p := range batch.Postings {
		k := accountKey{owner: p.OwnerID, asset: p.Asset}
		if !seen[k] {
			seen[k] = true
			touched = append(touched, k)
		}
	}

	lockOrder := append([]accountKey(nil), touched...)
	sort.Slice(lockOrder, func(i, j int) bool {
		if lockOrder[i].owner != lockOrder[j].owner {
			return lockOrder[i].owner < lockOrder[j].owner
		}
		return lockOrder[i].asset < lockOrder[j].asset
	})

	accounts := make(map[accountKey]Account, len(lockOrder))
	for _, k := range lockOrder {
		acct, err := repo.LockAccount(ctx, k.owner, k.asset)
		if err != nil {
			return nil, fmt.Errorf("lock account %s/%s: %w", k.owner, k.asset, err)
		}
		accounts[k] = acct
	}

	entries := make([]Entry, 0, len(batch.Postings))
	for i, p := range batch.Postings {
		k := accountKey{owner: p.OwnerID, asset: p.Asset}
		next, d, err := apply(accounts[k], p)
		if err != nil {
			return nil, err
		}
		next.UpdatedAt = now
		accounts[k] = next

		entries = append(entries, Entry{
			ID:             uuid.New(),
			AccountID:      next.ID,
			OwnerID:        next.OwnerID,
			Asset:          next.Asset,
			Kind:           p.Kind,
			DeltaBalance:   d.balance,
			DeltaLocked:    d.locked,
			DeltaCredit:    d.credit,
			BalanceAfter:   next.Balance,
			LockedAfter:    next.Locked,
			CreditAfter:    next.Credit,
			BatchKey:       batch.Key,
			IdempotencyKey: EntryKey(batch.Key, i),
			Reference:      batch.Reference,
			Description:    p.Description,
			CreatedAt:      now,
		})
	}

	for _, k := range lockOrder {
		if err := repo.SaveAccount(ctx, accounts[k]); err != nil {
			return nil, fmt.Errorf("save account %s/%s: %w", k.owner, k.asset, err)
		}
	}
	if err := repo.AppendEntries(ctx, entries); err != nil {
		return nil, fmt.Errorf("append entries: %w", err)
	}

	out := make([]Account, 0, len(touched))
	for _, k := range touched {
		out = append(out, accounts[k])
	}
	return out, nil
}

// samePostings reports whether the recorded entries of a batch were produced
// by postings, index by index.
func samePostings(batchKey string, prior []Entry, postings []Posting) bool {
	if len(prior) != len(postings) {
		return false
	}
	byKey := make(map[string]Entry, len(prior))
	for _, e := range prior {
		byKey[e.IdempotencyKey] = e
	}
	for i, p := range postings {
		e, ok := byKey[EntryKey(batchKey, i)]
		if !ok || e.Kind != p.Kind || e.OwnerID != p.OwnerID || e.Asset != p.Asset || e.Amount() != p.Amount {
			return false
		}
	}
	return true
}

// snapshots rebuilds per-account results from the entries of a batch.
func snapshots(entries []Entry) []Account {
	var order []uuid.UUID
	last := make(map[uuid.UUID]Entry, len(entries))
	for _, e := range entries {
		if _, ok := last[e.AccountID]; !ok {
			order = append(order, e.AccountID)
		}
		last[e.AccountID] = e
	}

	out := make([]Account, 0, len(order))
	for _, id := range order {
		e := last[id]
		out = append(out, Account{
			ID:        e.AccountID,
			OwnerID:   e.OwnerID,
			Asset:     e.Asset,
			Balance:   e.BalanceAfter,
			Locked:    e.LockedAfter,
			Credit:    e.CreditAfter,
			UpdatedAt: e.CreatedAt,
		})
	}
	return out
}

// Totals is the replayed state of an account.
type Totals struct {
	Balance int64 `json:"balance"`
	Locked  int64 `json:"locked"`
	Credit  int64 `json:"credit"`
}

// Replay sums entry deltas in the given order. It also reports the index of
// the first entry whose recorded snapshot disagrees with the running total, or
// -1 when the chain is intact.
func Replay(entries []Entry) (Totals, int) {
	var t Totals
	broken := -1
	for i, e := range entries {
		t.Balance += e.DeltaBalance
		t.Locked += e.DeltaLocked
		t.Credit += e.DeltaCredit
		if broken < 0 && (t.Balance != e.BalanceAfter || t.Locked != e.LockedAfter || t.Credit != e.CreditAfter) {
			broken = i
		}
	}
	return t, broken
}
