package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/orders"
)

const checkoutColumns = `order_id, buyer_id, asset_code, amount, tokens, status, expires_at, created_at, updated_at`

const withdrawalColumns = `withdrawal_id, owner_id, asset_code, amount, status, created_at, updated_at`

type ordersRepo struct {
	tx pgx.Tx
}

// InsertCheckout reports orders.ErrExists instead of a unique violation so a
// reused order id is rejected rather than retried.
func (r ordersRepo) InsertCheckout(ctx context.Context, c orders.Checkout) error {
	tag, err := r.tx.Exec(ctx, `INSERT INTO checkouts (`+checkoutColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (order_id) DO NOTHING`,
		c.OrderID, c.BuyerID, string(c.Asset), c.Amount, c.Tokens, c.Status, c.ExpiresAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrExists
	}
	return nil
}

func (r ordersRepo) LockCheckout(ctx context.Context, orderID string) (orders.Checkout, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+checkoutColumns+` FROM checkouts WHERE order_id = $1 FOR UPDATE`, orderID)
	return scanCheckout(row)
}

func (r ordersRepo) SetCheckoutStatus(ctx context.Context, orderID, status string, now time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE checkouts SET status = $2, updated_at = $3 WHERE order_id = $1`, orderID, status, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrNotFound
	}
	return nil
}

func (r ordersRepo) ListExpiredCheckouts(ctx context.Context, status string, now time.Time, limit int) ([]orders.Checkout, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+checkoutColumns+` FROM checkouts
        WHERE status = $1 AND expires_at < $2
        ORDER BY expires_at, order_id LIMIT $3`, status, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (orders.Checkout, error) {
		return scanCheckout(row)
	})
}

func (r ordersRepo) InsertWithdrawal(ctx context.Context, w orders.Withdrawal) error {
	tag, err := r.tx.Exec(ctx, `INSERT INTO withdrawals (`+withdrawalColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (withdrawal_id) DO NOTHING`,
		w.WithdrawalID, w.OwnerID, string(w.Asset), w.Amount, w.Status, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrExists
	}
	return nil
}

func (r ordersRepo) LockWithdrawal(ctx context.Context, withdrawalID string) (orders.Withdrawal, error) {
	var w orders.Withdrawal
	var code string
	err := r.tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE withdrawal_id = $1 FOR UPDATE`, withdrawalID).
		Scan(&w.WithdrawalID, &w.OwnerID, &code, &w.Amount, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Withdrawal{}, orders.ErrNotFound
	}
	if err != nil {
		return orders.Withdrawal{}, err
	}
	w.Asset = asset.Code(code)
	return w, nil
}

func (r ordersRepo) SetWithdrawalStatus(ctx context.Context, withdrawalID, status string, now time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE withdrawals SET status = $2, updated_at = $3 WHERE withdrawal_id = $1`, withdrawalID, status, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrNotFound
	}
	return nil
}

func scanCheckout(row pgx.Row) (orders.Checkout, error) {
	var c orders.Checkout
	var code string
	err := row.Scan(&c.OrderID, &c.BuyerID, &code, &c.Amount, &c.Tokens, &c.Status, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Checkout{}, orders.ErrNotFound
	}
	if err != nil {
		return orders.Checkout{}, err
	}
	c.Asset = asset.Code(code)
	return c, nil
}
