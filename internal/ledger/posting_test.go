package ledger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talamala/bullion/internal/asset"
)

func account(balance, locked, credit int64) Account {
	return Account{OwnerID: "A", Asset: asset.IRR, Balance: balance, Locked: locked, Credit: credit}
}

func TestApplyArithmetic(t *testing.T) {
	cases := []struct {
		name    string
		acct    Account
		posting Posting
		want    Account
		delta   delta
	}{
		{"deposit", account(0, 0, 0), Posting{Kind: KindDeposit, Amount: 100}, account(100, 0, 0), delta{balance: 100}},
		{"credit", account(100, 0, 0), Posting{Kind: KindCredit, Amount: 50}, account(150, 0, 50), delta{balance: 50, credit: 50}},
		{"hold", account(100, 0, 0), Posting{Kind: KindHold, Amount: 60}, account(100, 60, 0), delta{locked: 60}},
		{"release", account(100, 60, 0), Posting{Kind: KindRelease, Amount: 60}, account(100, 0, 0), delta{locked: -60}},
		{"commit", account(100, 60, 0), Posting{Kind: KindCommit, Amount: 60}, account(40, 0, 0), delta{balance: -60, locked: -60}},
		{"payment spends regular money first", account(500, 0, 200), Posting{Kind: KindPayment, Amount: 250}, account(250, 0, 200), delta{balance: -250}},
		{"payment falls back to credit", account(500, 0, 200), Posting{Kind: KindPayment, Amount: 400}, account(100, 0, 100), delta{balance: -400, credit: -100}},
		{"withdraw keeps credit", account(500, 0, 200), Posting{Kind: KindWithdraw, Amount: 300}, account(200, 0, 200), delta{balance: -300}},
		{"commit burns credit above balance", account(500, 200, 500), Posting{Kind: KindCommit, Amount: 200}, account(300, 0, 300), delta{balance: -200, locked: -200, credit: -200}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, d, err := apply(tc.acct, tc.posting)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.delta, d)
		})
	}
}

func TestApplyRejections(t *testing.T) {
	cases := []struct {
		name    string
		acct    Account
		posting Posting
		want    error
	}{
		{"hold beyond available", account(100, 60, 0), Posting{Kind: KindHold, Amount: 50}, ErrInsufficientFunds},
		{"release beyond locked", account(100, 10, 0), Posting{Kind: KindRelease, Amount: 11}, ErrInsufficientHold},
		{"commit beyond locked", account(100, 10, 0), Posting{Kind: KindCommit, Amount: 11}, ErrInsufficientHold},
		{"withdraw credit", account(500, 0, 200), Posting{Kind: KindWithdraw, Amount: 301}, ErrInsufficientFunds},
		{"payment beyond available", account(500, 100, 0), Posting{Kind: KindPayment, Amount: 401}, ErrInsufficientFunds},
		{"zero amount", account(0, 0, 0), Posting{Kind: KindDeposit, Amount: 0}, ErrInvalidAmount},
		{"unknown kind", account(0, 0, 0), Posting{Kind: Kind("mint"), Amount: 1}, ErrInvalidKind},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _, err := apply(tc.acct, tc.posting)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, tc.acct, got)
		})
	}
}

func TestBalanceErrorCarriesContext(t *testing.T) {
	_, _, err := apply(account(100, 60, 0), Posting{Kind: KindHold, Amount: 50})

	var balErr *BalanceError
	require.True(t, errors.As(err, &balErr))
	assert.Equal(t, "A", balErr.OwnerID)
	assert.Equal(t, int64(50), balErr.Amount)
	assert.Equal(t, int64(40), balErr.Available)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestDerivedBalances(t *testing.T) {
	a := account(1000, 300, 500)
	assert.Equal(t, int64(700), a.Available())
	assert.Equal(t, int64(200), a.Withdrawable())

	b := account(1000, 600, 500)
	assert.Equal(t, int64(0), b.Withdrawable())
}

func TestReplayDetectsBrokenChain(t *testing.T) {
	entries := []Entry{
		{DeltaBalance: 100, BalanceAfter: 100},
		{DeltaLocked: 40, BalanceAfter: 100, LockedAfter: 40},
		{DeltaBalance: -40, DeltaLocked: -40, BalanceAfter: 60},
	}
	totals, broken := Replay(entries)
	assert.Equal(t, Totals{Balance: 60}, totals)
	assert.Equal(t, -1, broken)

	entries[1].LockedAfter = 41
	_, broken = Replay(entries)
	assert.Equal(t, 1, broken)
}
