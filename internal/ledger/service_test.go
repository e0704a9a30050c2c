package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/idempotency"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/store/memory"
)

func newService() *ledger.Service {
	return ledger.NewService(memory.New(), logging.Discard(), nil)
}

func post(t *testing.T, svc *ledger.Service, key string, postings ...ledger.Posting) []ledger.Account {
	t.Helper()
	accts, err := svc.Post(context.Background(), ledger.Batch{Key: key, Reference: ledger.Reference{Type: "test", ID: key}, Postings: postings})
	require.NoError(t, err)
	return accts
}

func irr(kind ledger.Kind, owner string, amount int64) ledger.Posting {
	return ledger.Posting{OwnerID: owner, Asset: asset.IRR, Kind: kind, Amount: amount}
}

func TestHoldCommitRelease(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	post(t, svc, "dep", irr(ledger.KindDeposit, "A", 1000))

	accts := post(t, svc, "hold", irr(ledger.KindHold, "A", 600))
	require.Len(t, accts, 1)
	assert.Equal(t, int64(400), accts[0].Available())

	accts = post(t, svc, "commit", irr(ledger.KindCommit, "A", 600))
	assert.Equal(t, int64(400), accts[0].Balance)
	assert.Equal(t, int64(0), accts[0].Locked)

	_, err := svc.Post(ctx, ledger.Batch{Key: "release", Postings: []ledger.Posting{irr(ledger.KindRelease, "A", 1)}})
	assert.ErrorIs(t, err, ledger.ErrInsufficientHold)

	acct, err := svc.Balance(ctx, "A", asset.IRR)
	require.NoError(t, err)
	assert.Equal(t, int64(400), acct.Balance)
}

func TestRejectedBatchWritesNothing(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	post(t, svc, "dep", irr(ledger.KindDeposit, "A", 100))

	_, err := svc.Post(ctx, ledger.Batch{Key: "two", Postings: []ledger.Posting{
		irr(ledger.KindDeposit, "B", 50),
		irr(ledger.KindHold, "A", 500),
	}})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	b, err := svc.Balance(ctx, "B", asset.IRR)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Balance)

	entries, err := svc.Entries(ctx, "A", asset.IRR, 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDuplicateBatchKeyReturnsRecordedSnapshots(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	first := post(t, svc, "topup_confirm:42", irr(ledger.KindDeposit, "A", 700))

	again, err := svc.Post(ctx, ledger.Batch{Key: "topup_confirm:42", Postings: []ledger.Posting{irr(ledger.KindDeposit, "A", 700)}})
	require.ErrorIs(t, err, ledger.ErrDuplicatePosting)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].Balance, again[0].Balance)

	acct, err := svc.Balance(ctx, "A", asset.IRR)
	require.NoError(t, err)
	assert.Equal(t, int64(700), acct.Balance)
}

func TestReusedBatchKeyWithDifferentPostingsConflicts(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	post(t, svc, "topup_confirm:42", irr(ledger.KindDeposit, "A", 700))

	cases := map[string][]ledger.Posting{
		"amount": {irr(ledger.KindDeposit, "A", 900)},
		"owner":  {irr(ledger.KindDeposit, "B", 700)},
		"kind":   {irr(ledger.KindCredit, "A", 700)},
		"count":  {irr(ledger.KindDeposit, "A", 700), irr(ledger.KindDeposit, "B", 1)},
	}
	for name, postings := range cases {
		t.Run(name, func(t *testing.T) {
			accts, err := svc.Post(ctx, ledger.Batch{Key: "topup_confirm:42", Postings: postings})
			require.ErrorIs(t, err, idempotency.ErrConflict)
			assert.NotErrorIs(t, err, ledger.ErrDuplicatePosting)
			assert.Empty(t, accts)
		})
	}

	acct, err := svc.Balance(ctx, "A", asset.IRR)
	require.NoError(t, err)
	assert.Equal(t, int64(700), acct.Balance)
	b, err := svc.Balance(ctx, "B", asset.IRR)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Balance)
}

func TestBalanceOfUnknownAccountIsZero(t *testing.T) {
	acct, err := newService().Balance(context.Background(), "nobody", asset.XAU)
	require.NoError(t, err)
	assert.Equal(t, ledger.Account{OwnerID: "nobody", Asset: asset.XAU}, acct)

	_, err = newService().Balance(context.Background(), "nobody", asset.Code("USD"))
	assert.ErrorIs(t, err, asset.ErrUnknown)
}

func TestReconcileReplaysHistory(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	post(t, svc, "1", irr(ledger.KindDeposit, "A", 1000))
	post(t, svc, "2", irr(ledger.KindCredit, "A", 300))
	post(t, svc, "3", irr(ledger.KindHold, "A", 500))
	post(t, svc, "4", irr(ledger.KindCommit, "A", 200))
	post(t, svc, "5", irr(ledger.KindRelease, "A", 300))
	post(t, svc, "6", irr(ledger.KindPayment, "A", 700))
	post(t, svc, "7", irr(ledger.KindRefund, "A", 50))

	rec, err := svc.Reconcile(ctx, "A", asset.IRR)
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, 7, rec.Entries)
	assert.Equal(t, rec.Account.Balance, rec.Replayed.Balance)
	assert.Equal(t, rec.Account.Credit, rec.Replayed.Credit)
	assert.Equal(t, int64(450), rec.Account.Balance)
	assert.Equal(t, int64(300), rec.Account.Credit)
}

func TestEntriesNewestFirst(t *testing.T) {
	svc := newService()
	for i := 1; i <= 5; i++ {
		post(t, svc, fmt.Sprintf("dep-%d", i), irr(ledger.KindDeposit, "A", int64(i)))
	}

	page, err := svc.Entries(context.Background(), "A", asset.IRR, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].DeltaBalance)
	assert.Equal(t, int64(3), page[1].DeltaBalance)
	assert.Equal(t, "dep-4#0", page[0].IdempotencyKey)
}

func TestConcurrentHoldsNeverOverdraw(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	post(t, svc, "dep", irr(ledger.KindDeposit, "A", 1000))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Post(ctx, ledger.Batch{Key: fmt.Sprintf("hold-%d", i), Postings: []ledger.Posting{irr(ledger.KindHold, "A", 200)}})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ledger.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	acct, err := svc.Balance(ctx, "A", asset.IRR)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.Locked)
	assert.Equal(t, int64(0), acct.Available())
}
