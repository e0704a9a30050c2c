package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/events"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/settlement"
	"github.com/talamala/bullion/internal/store"
)

func TestConfirmTopupDepositsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := settlement.TopupRequest{TopupID: "top-1", OwnerID: "u1", Amount: 5000, ExternalRef: "psp-1"}

	first, err := h.svc.ConfirmTopup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), first.Account.Balance)

	second, err := h.svc.ConfirmTopup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Account.ID, second.Account.ID)
	assert.Equal(t, first.Account.Balance, second.Account.Balance)
	assert.Equal(t, int64(5000), h.balance(t, "u1", asset.IRR).Balance)
	assert.Equal(t, []string{events.TypeTopupConfirmed}, h.events.types())
}

func TestWithdrawalApprove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", asset.IRR, ledger.KindDeposit, 1000)
	h.fund(t, "u1", asset.IRR, ledger.KindCredit, 200)

	_, err := h.svc.RequestWithdrawal(ctx, settlement.WithdrawalRequest{WithdrawalID: "w-0", OwnerID: "u1", Amount: 1100})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	w, err := h.svc.RequestWithdrawal(ctx, settlement.WithdrawalRequest{WithdrawalID: "w-1", OwnerID: "u1", Amount: 700})
	require.NoError(t, err)
	assert.Equal(t, settlement.WithdrawalPending, w.Status)
	assert.Equal(t, int64(700), w.Account.Locked)
	assert.Equal(t, int64(300), h.balance(t, "u1", asset.IRR).Withdrawable())

	approved, err := h.svc.ApproveWithdrawal(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.WithdrawalApproved, approved.Status)
	assert.Equal(t, int64(500), approved.Account.Balance)
	assert.Zero(t, approved.Account.Locked)
	assert.Equal(t, int64(200), approved.Account.Credit)

	again, err := h.svc.ApproveWithdrawal(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, approved.Status, again.Status)
	assert.Equal(t, approved.Account.Balance, again.Account.Balance)

	_, err = h.svc.RejectWithdrawal(ctx, "w-1")
	require.ErrorIs(t, err, settlement.ErrWithdrawalResolved)
	assert.Equal(t, int64(500), h.balance(t, "u1", asset.IRR).Balance)
}

func TestWithdrawalReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", asset.IRR, ledger.KindDeposit, 1000)

	_, err := h.svc.RequestWithdrawal(ctx, settlement.WithdrawalRequest{WithdrawalID: "w-1", OwnerID: "u1", Amount: 400})
	require.NoError(t, err)

	rejected, err := h.svc.RejectWithdrawal(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.WithdrawalRejected, rejected.Status)
	assert.Equal(t, int64(1000), rejected.Account.Balance)
	assert.Zero(t, rejected.Account.Locked)

	_, err = h.svc.ApproveWithdrawal(ctx, "w-1")
	require.ErrorIs(t, err, settlement.ErrWithdrawalResolved)

	assert.Equal(t, []string{
		events.TypeWithdrawalRequested,
		events.TypeWithdrawalRejected,
	}, h.events.types())
}

func TestResolveUnknownWithdrawal(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ApproveWithdrawal(context.Background(), "missing")
	require.ErrorIs(t, err, settlement.ErrWithdrawalNotFound)
}

func pruneRecords(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.backend.Do(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Idempotency().Prune(ctx, h.clock.Now().Add(time.Hour))
		return err
	}))
}

func TestWithdrawalResolvesAfterRecordsArePruned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", asset.IRR, ledger.KindDeposit, 1000)

	_, err := h.svc.RequestWithdrawal(ctx, settlement.WithdrawalRequest{WithdrawalID: "w-1", OwnerID: "u1", Amount: 400})
	require.NoError(t, err)
	pruneRecords(t, h)

	approved, err := h.svc.ApproveWithdrawal(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.WithdrawalApproved, approved.Status)
	assert.Equal(t, int64(600), approved.Account.Balance)
	pruneRecords(t, h)

	again, err := h.svc.ApproveWithdrawal(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.WithdrawalApproved, again.Status)
	assert.Equal(t, int64(600), again.Account.Balance)

	_, err = h.svc.RejectWithdrawal(ctx, "w-1")
	require.ErrorIs(t, err, settlement.ErrWithdrawalResolved)

	_, err = h.svc.RequestWithdrawal(ctx, settlement.WithdrawalRequest{WithdrawalID: "w-1", OwnerID: "u1", Amount: 100})
	require.ErrorIs(t, err, settlement.ErrOrderExists)

	assert.Equal(t, int64(600), h.balance(t, "u1", asset.IRR).Balance)
	assert.Zero(t, h.balance(t, "u1", asset.IRR).Locked)
	assert.Equal(t, []string{
		events.TypeWithdrawalRequested,
		events.TypeWithdrawalApproved,
	}, h.events.types())
}

func TestConcurrentApproveAndRejectResolveOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", asset.IRR, ledger.KindDeposit, 1000)

	_, err := h.svc.RequestWithdrawal(ctx, settlement.WithdrawalRequest{WithdrawalID: "w-1", OwnerID: "u1", Amount: 400})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			resolve, name := h.svc.RejectWithdrawal, "rejected"
			if approve {
				resolve, name = h.svc.ApproveWithdrawal, "approved"
			}
			_, err := resolve(ctx, "w-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				results[name]++
			case errors.Is(err, settlement.ErrWithdrawalResolved):
				results["lost"]++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Equal(t, 4, results["lost"])
	assert.Len(t, results, 2)
	acct := h.balance(t, "u1", asset.IRR)
	assert.Zero(t, acct.Locked)
	if results["approved"] > 0 {
		assert.Equal(t, int64(600), acct.Balance)
	} else {
		assert.Equal(t, int64(1000), acct.Balance)
	}
	assert.Len(t, h.events.types(), 2)
}
