package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/ledger"
)

const accountColumns = `id, owner_id, asset_code, balance, locked_balance, credit_balance, created_at, updated_at`

const entryColumns = `id, account_id, owner_id, asset_code, kind,
	delta_balance, delta_locked, delta_credit,
	balance_after, locked_after, credit_after,
	batch_key, idempotency_key, reference_type, reference_id, description, created_at`

type ledgerRepo struct {
	tx pgx.Tx
}

func (r ledgerRepo) LockAccount(ctx context.Context, ownerID string, code asset.Code) (ledger.Account, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO accounts (id, owner_id, asset_code) VALUES ($1, $2, $3)
        ON CONFLICT (owner_id, asset_code) DO NOTHING`, uuid.New(), ownerID, string(code)); err != nil {
		return ledger.Account{}, err
	}

	row := r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts
        WHERE owner_id = $1 AND asset_code = $2 FOR UPDATE`, ownerID, string(code))
	return scanAccount(row)
}

func (r ledgerRepo) SaveAccount(ctx context.Context, acct ledger.Account) error {
	tag, err := r.tx.Exec(ctx, `UPDATE accounts
        SET balance = $2, locked_balance = $3, credit_balance = $4, updated_at = $5
        WHERE id = $1`, acct.ID, acct.Balance, acct.Locked, acct.Credit, acct.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, acct.ID)
	}
	return nil
}

func (r ledgerRepo) AppendEntries(ctx context.Context, entries []ledger.Entry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO ledger_entries (`+entryColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			e.ID, e.AccountID, e.OwnerID, string(e.Asset), string(e.Kind),
			e.DeltaBalance, e.DeltaLocked, e.DeltaCredit,
			e.BalanceAfter, e.LockedAfter, e.CreditAfter,
			e.BatchKey, e.IdempotencyKey, e.Reference.Type, e.Reference.ID, e.Description, e.CreatedAt,
		)
	}

	results := r.tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return err
		}
	}
	return results.Close()
}

func (r ledgerRepo) EntriesByBatch(ctx context.Context, batchKey string) ([]ledger.Entry, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE batch_key = $1 ORDER BY seq`, batchKey)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r ledgerRepo) FindAccount(ctx context.Context, ownerID string, code asset.Code) (ledger.Account, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts
        WHERE owner_id = $1 AND asset_code = $2`, ownerID, string(code))
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, err
}

func (r ledgerRepo) ListEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]ledger.Entry, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE account_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r ledgerRepo) ReplayEntries(ctx context.Context, accountID uuid.UUID) ([]ledger.Entry, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var acct ledger.Account
	var code string
	err := row.Scan(&acct.ID, &acct.OwnerID, &code, &acct.Balance, &acct.Locked, &acct.Credit, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return ledger.Account{}, err
	}
	acct.Asset = asset.Code(code)
	return acct, nil
}

func collectEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Entry, error) {
		var e ledger.Entry
		var code, kind string
		err := row.Scan(
			&e.ID, &e.AccountID, &e.OwnerID, &code, &kind,
			&e.DeltaBalance, &e.DeltaLocked, &e.DeltaCredit,
			&e.BalanceAfter, &e.LockedAfter, &e.CreditAfter,
			&e.BatchKey, &e.IdempotencyKey, &e.Reference.Type, &e.Reference.ID, &e.Description, &e.CreatedAt,
		)
		e.Asset = asset.Code(code)
		e.Kind = ledger.Kind(kind)
		return e, err
	})
}
