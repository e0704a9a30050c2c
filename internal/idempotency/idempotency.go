package idempotency

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrConflict means the key was already used with a different fingerprint.
	ErrConflict = errors.New("idempotency key reused with different request")
	// ErrNotFound is returned by repositories for unknown keys.
	ErrNotFound = errors.New("idempotency record not found")

	ErrMissingKey = errors.New("idempotency key is required")
)

// Record is the durable outcome of one keyed operation.
type Record struct {
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ConflictError names the key that was reused.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s", ErrConflict, e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Repository stores records inside the caller's transaction. Insert must fail
// with a storage conflict when the key already exists.
type Repository interface {
	Get(ctx context.Context, key string) (Record, error)
	Insert(ctx context.Context, rec Record) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Fingerprint hashes the material fields of a request. Parts are joined with a
// separator that cannot occur in ids so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...string) string {
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Execute runs work at most once per key inside the caller's transaction.
// A stored record with the same fingerprint is decoded and returned with
// replayed set; a different fingerprint fails with *ConflictError. Otherwise
// work runs and its result is recorded in the same transaction, so the record
// and the effects commit or roll back together.
func Execute[T any](ctx context.Context, repo Repository, key, fingerprint string, now time.Time, work func(ctx context.Context) (T, error)) (result T, replayed bool, err error) {
	if key == "" {
		return result, false, ErrMissingKey
	}

	rec, err := repo.Get(ctx, key)
	switch {
	case err == nil:
		result, err = Decode[T](rec, fingerprint)
		return result, err == nil, err
	case !errors.Is(err, ErrNotFound):
		return result, false, fmt.Errorf("load idempotency record: %w", err)
	}

	result, err = work(ctx)
	if err != nil {
		return result, false, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return result, false, fmt.Errorf("encode idempotent result: %w", err)
	}
	if err := repo.Insert(ctx, Record{Key: key, Fingerprint: fingerprint, Result: payload, CreatedAt: now}); err != nil {
		return result, false, fmt.Errorf("store idempotency record: %w", err)
	}
	return result, false, nil
}

// Decode checks the fingerprint of a stored record and unpacks its result.
func Decode[T any](rec Record, fingerprint string) (T, error) {
	var out T
	if rec.Fingerprint != fingerprint {
		return out, &ConflictError{Key: rec.Key}
	}
	if err := json.Unmarshal(rec.Result, &out); err != nil {
		return out, fmt.Errorf("decode stored result for %s: %w", rec.Key, err)
	}
	return out, nil
}
