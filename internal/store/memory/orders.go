package memory

import (
	"context"
	"sort"
	"time"

	"github.com/talamala/bullion/internal/orders"
)

type ordersRepo struct {
	st *state
}

func (r ordersRepo) InsertCheckout(_ context.Context, c orders.Checkout) error {
	if _, ok := r.st.checkouts[c.OrderID]; ok {
		return orders.ErrExists
	}
	c.Tokens = append([]string(nil), c.Tokens...)
	r.st.checkouts[c.OrderID] = c
	return nil
}

func (r ordersRepo) LockCheckout(_ context.Context, orderID string) (orders.Checkout, error) {
	c, ok := r.st.checkouts[orderID]
	if !ok {
		return orders.Checkout{}, orders.ErrNotFound
	}
	c.Tokens = append([]string(nil), c.Tokens...)
	return c, nil
}

func (r ordersRepo) SetCheckoutStatus(_ context.Context, orderID, status string, now time.Time) error {
	c, ok := r.st.checkouts[orderID]
	if !ok {
		return orders.ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = now
	r.st.checkouts[orderID] = c
	return nil
}

func (r ordersRepo) ListExpiredCheckouts(_ context.Context, status string, now time.Time, limit int) ([]orders.Checkout, error) {
	var out []orders.Checkout
	for _, c := range r.st.checkouts {
		if c.Status == status && c.ExpiresAt.Before(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r ordersRepo) InsertWithdrawal(_ context.Context, w orders.Withdrawal) error {
	if _, ok := r.st.withdrawals[w.WithdrawalID]; ok {
		return orders.ErrExists
	}
	r.st.withdrawals[w.WithdrawalID] = w
	return nil
}

func (r ordersRepo) LockWithdrawal(_ context.Context, withdrawalID string) (orders.Withdrawal, error) {
	w, ok := r.st.withdrawals[withdrawalID]
	if !ok {
		return orders.Withdrawal{}, orders.ErrNotFound
	}
	return w, nil
}

func (r ordersRepo) SetWithdrawalStatus(_ context.Context, withdrawalID, status string, now time.Time) error {
	w, ok := r.st.withdrawals[withdrawalID]
	if !ok {
		return orders.ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = now
	r.st.withdrawals[withdrawalID] = w
	return nil
}
