package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/talamala/bullion/internal/idempotency"
)

type idempotencyRepo struct {
	tx pgx.Tx
}

func (r idempotencyRepo) Get(ctx context.Context, key string) (idempotency.Record, error) {
	var rec idempotency.Record
	err := r.tx.QueryRow(ctx, `SELECT key, fingerprint, result, created_at
        FROM idempotency_records WHERE key = $1`, key).
		Scan(&rec.Key, &rec.Fingerprint, &rec.Result, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return idempotency.Record{}, idempotency.ErrNotFound
	}
	return rec, err
}

// Insert fails with a unique violation when a concurrent transaction already
// stored the key; Do turns that into a retryable storage conflict.
func (r idempotencyRepo) Insert(ctx context.Context, rec idempotency.Record) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO idempotency_records (key, fingerprint, result, created_at)
        VALUES ($1, $2, $3, $4)`, rec.Key, rec.Fingerprint, []byte(rec.Result), rec.CreatedAt)
	return err
}

func (r idempotencyRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.tx.Exec(ctx, `DELETE FROM idempotency_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
