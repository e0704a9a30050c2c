package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/idempotency"
)

type idempotencyRepo struct {
	st *state
}

func (r idempotencyRepo) Get(_ context.Context, key string) (idempotency.Record, error) {
	rec, ok := r.st.records[key]
	if !ok {
		return idempotency.Record{}, idempotency.ErrNotFound
	}
	return rec, nil
}

func (r idempotencyRepo) Insert(_ context.Context, rec idempotency.Record) error {
	if _, ok := r.st.records[rec.Key]; ok {
		return conflict.Wrap(fmt.Errorf("duplicate idempotency key %s", rec.Key))
	}
	r.st.records[rec.Key] = rec
	return nil
}

func (r idempotencyRepo) Prune(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for k, rec := range r.st.records {
		if rec.CreatedAt.Before(before) {
			delete(r.st.records, k)
			n++
		}
	}
	return n, nil
}
