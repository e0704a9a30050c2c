package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/talamala/bullion/internal/inventory"
)

const unitColumns = `id, serial_code, product_id, location_id, status, owner_id, holder_id,
	hold_token, hold_expiry, claim_code, created_at, updated_at`

// qualifiedUnitColumns is unitColumns for UPDATE ... FROM, where bare names
// would be ambiguous.
const qualifiedUnitColumns = `bars.id, bars.serial_code, bars.product_id, bars.location_id, bars.status,
	bars.owner_id, bars.holder_id, bars.hold_token, bars.hold_expiry, bars.claim_code,
	bars.created_at, bars.updated_at`

// claimable mirrors inventory.Unit.Claimable; $5 is the reservation time.
const claimable = `(status = 'ASSIGNED' OR (status = 'RESERVED' AND hold_expiry < $5))`

type inventoryRepo struct {
	tx pgx.Tx
}

func (r inventoryRepo) Insert(ctx context.Context, u inventory.Unit) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO bars (`+unitColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, u.Serial, nullable(u.ProductID), nullable(u.LocationID), string(u.Status),
		nullable(u.OwnerID), nullable(u.HolderID), nullable(u.HoldToken), u.HoldExpiry,
		nullable(u.ClaimCode), u.CreatedAt, u.UpdatedAt,
	)
	return err
}

func (r inventoryRepo) Get(ctx context.Context, serial string) (inventory.Unit, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+unitColumns+` FROM bars WHERE serial_code = $1`, serial)
	return scanUnit(row, inventory.ErrUnitNotFound)
}

func (r inventoryRepo) GetByToken(ctx context.Context, token string) (inventory.Unit, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+unitColumns+` FROM bars WHERE hold_token = $1 FOR UPDATE`, token)
	return scanUnit(row, inventory.ErrReservationNotFound)
}

func (r inventoryRepo) Claim(ctx context.Context, sel inventory.Selector, holderID, token string, now, expiry time.Time) (inventory.Unit, error) {
	var row pgx.Row
	if sel.Serial != "" {
		row = r.tx.QueryRow(ctx, `UPDATE bars
            SET status = 'RESERVED', holder_id = $2, hold_token = $3, hold_expiry = $4, updated_at = $5
            WHERE serial_code = $1 AND `+claimable+`
            RETURNING `+unitColumns, sel.Serial, holderID, token, expiry, now)
	} else {
		// SKIP LOCKED lets concurrent reservers fan out over the stock instead
		// of queueing behind the oldest row.
		row = r.tx.QueryRow(ctx, `WITH candidate AS (
                SELECT id FROM bars
                WHERE product_id = $1 AND ($6 = '' OR location_id = $6) AND `+claimable+`
                ORDER BY created_at, serial_code
                LIMIT 1
                FOR UPDATE SKIP LOCKED
            )
            UPDATE bars
            SET status = 'RESERVED', holder_id = $2, hold_token = $3, hold_expiry = $4, updated_at = $5
            FROM candidate WHERE bars.id = candidate.id
            RETURNING `+qualifiedUnitColumns, sel.ProductID, holderID, token, expiry, now, sel.LocationID)
	}
	return scanUnit(row, inventory.ErrNotAvailable)
}

func (r inventoryRepo) MarkSold(ctx context.Context, token, ownerID, claimCode string, now time.Time) (inventory.Unit, error) {
	row := r.tx.QueryRow(ctx, `UPDATE bars
        SET status = 'SOLD', owner_id = $2, claim_code = $3,
            holder_id = NULL, hold_token = NULL, hold_expiry = NULL, updated_at = $4
        WHERE hold_token = $1 AND status = 'RESERVED' AND hold_expiry >= $4
        RETURNING `+unitColumns, token, ownerID, claimCode, now)
	return scanUnit(row, inventory.ErrReservationNotFound)
}

func (r inventoryRepo) ReleaseHold(ctx context.Context, token string, expiredBefore *time.Time, now time.Time) (inventory.Unit, error) {
	row := r.tx.QueryRow(ctx, `UPDATE bars
        SET status = 'ASSIGNED', holder_id = NULL, hold_token = NULL, hold_expiry = NULL, updated_at = $3
        WHERE hold_token = $1 AND status = 'RESERVED'
          AND ($2::timestamptz IS NULL OR hold_expiry < $2)
        RETURNING `+unitColumns, token, expiredBefore, now)
	return scanUnit(row, inventory.ErrReservationNotFound)
}

func (r inventoryRepo) Assign(ctx context.Context, serial, productID, locationID string, now time.Time) (inventory.Unit, error) {
	row := r.tx.QueryRow(ctx, `UPDATE bars
        SET status = 'ASSIGNED', product_id = $2, location_id = $3, updated_at = $4
        WHERE serial_code = $1 AND status = 'RAW'
        RETURNING `+unitColumns, serial, productID, nullable(locationID), now)
	u, err := scanUnit(row, inventory.ErrInvalidTransition)
	if errors.Is(err, inventory.ErrInvalidTransition) {
		if _, getErr := r.Get(ctx, serial); getErr != nil {
			return inventory.Unit{}, getErr
		}
	}
	return u, err
}

func (r inventoryRepo) Return(ctx context.Context, serial, ownerID, locationID string, now time.Time) (inventory.Unit, error) {
	row := r.tx.QueryRow(ctx, `UPDATE bars
        SET status = 'ASSIGNED', owner_id = NULL, claim_code = NULL,
            location_id = COALESCE($3, location_id), updated_at = $4
        WHERE serial_code = $1 AND status = 'SOLD' AND owner_id = $2
        RETURNING `+unitColumns, serial, ownerID, nullable(locationID), now)
	u, err := scanUnit(row, inventory.ErrInvalidTransition)
	if errors.Is(err, inventory.ErrInvalidTransition) {
		if _, getErr := r.Get(ctx, serial); getErr != nil {
			return inventory.Unit{}, getErr
		}
	}
	return u, err
}

func (r inventoryRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]inventory.Unit, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+unitColumns+` FROM bars
        WHERE status = 'RESERVED' AND hold_expiry < $1
        ORDER BY hold_expiry LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.Unit, error) {
		return scanUnit(row, nil)
	})
}

func scanUnit(row pgx.Row, notFound error) (inventory.Unit, error) {
	var u inventory.Unit
	var status string
	var product, location, owner, holder, token, claim *string
	err := row.Scan(&u.ID, &u.Serial, &product, &location, &status, &owner, &holder,
		&token, &u.HoldExpiry, &claim, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) && notFound != nil {
		return inventory.Unit{}, notFound
	}
	if err != nil {
		return inventory.Unit{}, err
	}
	u.Status = inventory.Status(status)
	u.ProductID = deref(product)
	u.LocationID = deref(location)
	u.OwnerID = deref(owner)
	u.HolderID = deref(holder)
	u.HoldToken = deref(token)
	u.ClaimCode = deref(claim)
	return u, nil
}
