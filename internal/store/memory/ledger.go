package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/ledger"
)

type accountKey struct {
	owner string
	asset asset.Code
}

type ledgerRepo struct {
	st *state
}

func (r ledgerRepo) LockAccount(_ context.Context, ownerID string, code asset.Code) (ledger.Account, error) {
	k := accountKey{owner: ownerID, asset: code}
	if acct, ok := r.st.accounts[k]; ok {
		return acct, nil
	}
	now := time.Now().UTC()
	acct := ledger.Account{ID: uuid.New(), OwnerID: ownerID, Asset: code, CreatedAt: now, UpdatedAt: now}
	r.st.accounts[k] = acct
	return acct, nil
}

func (r ledgerRepo) SaveAccount(_ context.Context, acct ledger.Account) error {
	k := accountKey{owner: acct.OwnerID, asset: acct.Asset}
	if _, ok := r.st.accounts[k]; !ok {
		return fmt.Errorf("%w: %s/%s", ledger.ErrAccountNotFound, acct.OwnerID, acct.Asset)
	}
	if acct.Balance < 0 || acct.Locked < 0 || acct.Credit < 0 || acct.Locked > acct.Balance || acct.Credit > acct.Balance {
		return fmt.Errorf("account %s/%s violates balance constraints", acct.OwnerID, acct.Asset)
	}
	r.st.accounts[k] = acct
	return nil
}

func (r ledgerRepo) AppendEntries(_ context.Context, entries []ledger.Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range r.st.entries {
		seen[e.IdempotencyKey] = true
	}
	for _, e := range entries {
		if seen[e.IdempotencyKey] {
			return conflict.Wrap(fmt.Errorf("duplicate entry key %s", e.IdempotencyKey))
		}
		seen[e.IdempotencyKey] = true
	}
	r.st.entries = append(r.st.entries, entries...)
	return nil
}

func (r ledgerRepo) EntriesByBatch(_ context.Context, batchKey string) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range r.st.entries {
		if e.BatchKey == batchKey {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r ledgerRepo) FindAccount(_ context.Context, ownerID string, code asset.Code) (ledger.Account, error) {
	acct, ok := r.st.accounts[accountKey{owner: ownerID, asset: code}]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (r ledgerRepo) ListEntries(_ context.Context, accountID uuid.UUID, limit, offset int) ([]ledger.Entry, error) {
	var out []ledger.Entry
	skipped := 0
	for i := len(r.st.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.st.entries[i]
		if e.AccountID != accountID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r ledgerRepo) ReplayEntries(_ context.Context, accountID uuid.UUID) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range r.st.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}
