package inventory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const claimCodeLength = 10

// ReserveTx places an exclusive hold inside the caller's transaction.
func ReserveTx(ctx context.Context, repo Repository, req Request, now time.Time) (Reservation, error) {
	if err := req.Selector.Validate(); err != nil {
		return Reservation{}, err
	}
	if req.TTL <= 0 {
		return Reservation{}, ErrInvalidTTL
	}
	if req.HolderID == "" {
		return Reservation{}, errors.New("holder is required")
	}

	token := uuid.NewString()
	expiry := now.Add(req.TTL)
	u, err := repo.Claim(ctx, req.Selector, req.HolderID, token, now, expiry)
	if err != nil {
		if errors.Is(err, ErrNotAvailable) {
			return Reservation{}, &UnitError{Serial: req.Selector.Serial, Err: ErrNotAvailable}
		}
		return Reservation{}, err
	}

	return Reservation{
		Token:      token,
		UnitID:     u.ID,
		Serial:     u.Serial,
		ProductID:  u.ProductID,
		LocationID: u.LocationID,
		HolderID:   req.HolderID,
		ExpiresAt:  expiry,
	}, nil
}

// ConfirmTx turns a live hold into a sale. ownerID defaults to the holder.
func ConfirmTx(ctx context.Context, repo Repository, token, ownerID string, now time.Time) (Unit, error) {
	u, err := repo.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			return Unit{}, &UnitError{Token: token, Err: ErrReservationNotFound}
		}
		return Unit{}, err
	}
	if u.Status != StatusReserved {
		return Unit{}, &UnitError{Serial: u.Serial, Token: token, Status: u.Status, Err: ErrReservationNotFound}
	}
	if !u.HoldActive(now) {
		return Unit{}, &UnitError{Serial: u.Serial, Token: token, Status: u.Status, Err: ErrReservationExpired}
	}
	if ownerID == "" {
		ownerID = u.HolderID
	}

	sold, err := repo.MarkSold(ctx, token, ownerID, NewClaimCode(), now)
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			return Unit{}, &UnitError{Serial: u.Serial, Token: token, Err: ErrReservationNotFound}
		}
		return Unit{}, err
	}
	return sold, nil
}

// CancelTx drops a hold. An unknown or already resolved token is not an error;
// released reports whether this call changed anything.
func CancelTx(ctx context.Context, repo Repository, token string, now time.Time) (u Unit, released bool, err error) {
	u, err = repo.ReleaseHold(ctx, token, nil, now)
	if errors.Is(err, ErrReservationNotFound) {
		return Unit{}, false, nil
	}
	if err != nil {
		return Unit{}, false, err
	}
	return u, true, nil
}

// ExpireTx releases a hold only if it has already expired at now, so it never
// races a confirm that is still within the window.
func ExpireTx(ctx context.Context, repo Repository, token string, now time.Time) (Unit, error) {
	u, err := repo.ReleaseHold(ctx, token, &now, now)
	if errors.Is(err, ErrReservationNotFound) {
		return Unit{}, &UnitError{Token: token, Err: ErrReservationNotFound}
	}
	return u, err
}

// ReturnTx takes a sold unit back into stock at locationID.
func ReturnTx(ctx context.Context, repo Repository, serial, ownerID, locationID string, now time.Time) (Unit, error) {
	u, err := repo.Return(ctx, serial, ownerID, locationID, now)
	if errors.Is(err, ErrInvalidTransition) {
		return Unit{}, &UnitError{Serial: serial, Err: ErrInvalidTransition}
	}
	return u, err
}

// NewClaimCode returns the code a buyer presents to collect a sold unit.
func NewClaimCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:claimCodeLength])
}
