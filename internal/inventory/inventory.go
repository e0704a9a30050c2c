package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotAvailable means no unit matched the selector in a reservable state.
	ErrNotAvailable = errors.New("unit not available")
	// ErrReservationExpired means the hold existed but its expiry has passed.
	ErrReservationExpired = errors.New("reservation expired")
	// ErrReservationNotFound means the token is unknown or already resolved.
	ErrReservationNotFound = errors.New("reservation not found")

	ErrUnitNotFound      = errors.New("unit not found")
	ErrDuplicateSerial   = errors.New("serial already registered")
	ErrInvalidTransition = errors.New("invalid unit transition")
	ErrInvalidSelector   = errors.New("selector needs a serial or a product")
	ErrInvalidTTL        = errors.New("reservation ttl must be positive")
)

// Status is a unit's lifecycle state: RAW -> ASSIGNED -> RESERVED -> SOLD.
// RESERVED may fall back to ASSIGNED on cancel or expiry, and a bought-back
// SOLD unit returns to ASSIGNED.
type Status string

const (
	StatusRaw      Status = "RAW"
	StatusAssigned Status = "ASSIGNED"
	StatusReserved Status = "RESERVED"
	StatusSold     Status = "SOLD"
)

// Unit is one serialized physical bar.
type Unit struct {
	ID         uuid.UUID  `json:"id"`
	Serial     string     `json:"serial"`
	ProductID  string     `json:"product_id,omitempty"`
	LocationID string     `json:"location_id,omitempty"`
	Status     Status     `json:"status"`
	OwnerID    string     `json:"owner_id,omitempty"`
	HolderID   string     `json:"holder_id,omitempty"`
	HoldToken  string     `json:"-"`
	HoldExpiry *time.Time `json:"hold_expiry,omitempty"`
	ClaimCode  string     `json:"claim_code,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HoldActive reports whether the unit carries a hold that has not expired at now.
func (u Unit) HoldActive(now time.Time) bool {
	return u.Status == StatusReserved && u.HoldExpiry != nil && !now.After(*u.HoldExpiry)
}

// Claimable reports whether a reserve at now may take the unit.
func (u Unit) Claimable(now time.Time) bool {
	switch u.Status {
	case StatusAssigned:
		return true
	case StatusReserved:
		return u.HoldExpiry != nil && now.After(*u.HoldExpiry)
	default:
		return false
	}
}

// Selector picks a unit by serial, or the first available unit of a product
// (optionally at one location).
type Selector struct {
	Serial     string `json:"serial,omitempty"`
	ProductID  string `json:"product_id,omitempty"`
	LocationID string `json:"location_id,omitempty"`
}

func (s Selector) Validate() error {
	if s.Serial == "" && s.ProductID == "" {
		return ErrInvalidSelector
	}
	return nil
}

func (s Selector) String() string {
	if s.Serial != "" {
		return "serial=" + s.Serial
	}
	if s.LocationID != "" {
		return fmt.Sprintf("product=%s location=%s", s.ProductID, s.LocationID)
	}
	return "product=" + s.ProductID
}

// Request asks for an exclusive time-bounded hold.
type Request struct {
	Selector Selector
	HolderID string
	TTL      time.Duration
}

// Reservation is the handle returned to the holder.
type Reservation struct {
	Token      string    `json:"token"`
	UnitID     uuid.UUID `json:"unit_id"`
	Serial     string    `json:"serial"`
	ProductID  string    `json:"product_id,omitempty"`
	LocationID string    `json:"location_id,omitempty"`
	HolderID   string    `json:"holder_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// UnitError carries the unit context of a failed reservation operation.
type UnitError struct {
	Serial string
	Token  string
	Status Status
	Err    error
}

func (e *UnitError) Error() string {
	switch {
	case e.Serial != "" && e.Status != "":
		return fmt.Sprintf("%v: unit %s is %s", e.Err, e.Serial, e.Status)
	case e.Serial != "":
		return fmt.Sprintf("%v: unit %s", e.Err, e.Serial)
	case e.Token != "":
		return fmt.Sprintf("%v: token %s", e.Err, e.Token)
	default:
		return e.Err.Error()
	}
}

func (e *UnitError) Unwrap() error { return e.Err }

// Repository is the storage contract for units inside one transaction. The
// state-changing methods are conditional: they only touch a row that still
// satisfies the documented precondition and report the sentinel otherwise.
type Repository interface {
	Insert(ctx context.Context, u Unit) error
	Get(ctx context.Context, serial string) (Unit, error)
	// GetByToken locks and returns the unit holding token.
	GetByToken(ctx context.Context, token string) (Unit, error)
	// Claim reserves the first claimable unit matching sel, oldest first.
	Claim(ctx context.Context, sel Selector, holderID, token string, now, expiry time.Time) (Unit, error)
	// MarkSold requires RESERVED, a matching token and expiry >= now.
	MarkSold(ctx context.Context, token, ownerID, claimCode string, now time.Time) (Unit, error)
	// ReleaseHold requires RESERVED and a matching token. A non-nil
	// expiredBefore additionally requires hold_expiry < *expiredBefore.
	ReleaseHold(ctx context.Context, token string, expiredBefore *time.Time, now time.Time) (Unit, error)
	// Assign requires RAW.
	Assign(ctx context.Context, serial, productID, locationID string, now time.Time) (Unit, error)
	// Return requires SOLD and a matching owner.
	Return(ctx context.Context, serial, ownerID, locationID string, now time.Time) (Unit, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Unit, error)
}

// Transactor runs fn inside a single storage transaction.
type Transactor interface {
	InInventoryTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
