package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/events"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/store"
)

// POS sale statuses.
const (
	POSSold    = "sold"
	POSExpired = "expired"
)

// POSReserveRequest holds any available unit of a product at the dealer's
// location for a walk-in customer.
type POSReserveRequest struct {
	Key        string
	DealerID   string
	ProductID  string
	CustomerID string
	TTL        time.Duration
}

// POSSaleRequest completes a point-of-sale hold.
type POSSaleRequest struct {
	Key        string
	SaleID     string
	Token      string
	DealerID   string
	CustomerID string
	PaymentRef string
	// Commission is the dealer's profit, paid into the dealer account.
	Commission      int64
	CommissionAsset asset.Code
}

// POSSale is the result of ConfirmPOSSale.
type POSSale struct {
	SaleID     string          `json:"sale_id"`
	Status     string          `json:"status"`
	Unit       inventory.Unit  `json:"unit"`
	PaymentRef string          `json:"payment_ref,omitempty"`
	Dealer     *ledger.Account `json:"dealer_account,omitempty"`
}

func posHolder(req POSReserveRequest) string {
	if req.CustomerID != "" {
		return req.CustomerID
	}
	return "pos:" + req.DealerID
}

// ReservePOS holds the oldest available unit of the product at the dealer.
func (s *Service) ReservePOS(ctx context.Context, req POSReserveRequest) (inventory.Reservation, error) {
	if req.DealerID == "" || req.ProductID == "" {
		return inventory.Reservation{}, invalid("dealer and product are required")
	}
	if req.TTL <= 0 {
		req.TTL = s.cfg.POSHoldTTL
	}
	fp := fingerprint("pos.reserve", req.DealerID, req.ProductID, req.CustomerID, req.TTL)

	res, replayed, err := WithIdempotency(ctx, s, "pos.reserve", req.Key, fp, func(ctx context.Context, tx store.Tx) (inventory.Reservation, error) {
		return inventory.ReserveTx(ctx, tx.Inventory(), inventory.Request{
			Selector: inventory.Selector{ProductID: req.ProductID, LocationID: req.DealerID},
			HolderID: posHolder(req),
			TTL:      req.TTL,
		}, s.now())
	})
	if err != nil {
		return inventory.Reservation{}, err
	}
	if !replayed {
		s.publish(ctx, events.TypePOSReserved, res.Serial, res)
	}
	return res, nil
}

// ConfirmPOSSale sells the held unit and pays the dealer's commission in the
// same unit of work. A lapsed hold is returned to stock and reported as
// inventory.ErrReservationExpired.
func (s *Service) ConfirmPOSSale(ctx context.Context, req POSSaleRequest) (POSSale, error) {
	switch {
	case req.SaleID == "" || req.Token == "" || req.DealerID == "":
		return POSSale{}, invalid("sale, token and dealer are required")
	case req.Commission < 0:
		return POSSale{}, invalid("commission cannot be negative")
	}
	if req.CommissionAsset == "" {
		req.CommissionAsset = asset.XAU
	}
	if !req.CommissionAsset.Valid() {
		return POSSale{}, invalid("unknown asset %q", req.CommissionAsset)
	}
	fp := fingerprint("pos.confirm", req.SaleID, req.Token, req.DealerID, req.CustomerID,
		req.PaymentRef, req.Commission, req.CommissionAsset)

	sale, replayed, err := WithIdempotency(ctx, s, "pos.confirm", req.Key, fp, func(ctx context.Context, tx store.Tx) (POSSale, error) {
		now := s.now()
		held, err := tx.Inventory().GetByToken(ctx, req.Token)
		if err != nil {
			if errors.Is(err, inventory.ErrReservationNotFound) {
				return POSSale{}, &inventory.UnitError{Token: req.Token, Err: inventory.ErrReservationNotFound}
			}
			return POSSale{}, err
		}
		if held.LocationID != req.DealerID {
			return POSSale{}, fmt.Errorf("%w: %s", ErrWrongLocation, held.Serial)
		}
		if !held.HoldActive(now) {
			u, _, err := inventory.CancelTx(ctx, tx.Inventory(), req.Token, now)
			if err != nil {
				return POSSale{}, err
			}
			return POSSale{SaleID: req.SaleID, Status: POSExpired, Unit: u}, nil
		}

		u, err := inventory.ConfirmTx(ctx, tx.Inventory(), req.Token, req.CustomerID, now)
		if err != nil {
			return POSSale{}, err
		}
		out := POSSale{SaleID: req.SaleID, Status: POSSold, Unit: u, PaymentRef: req.PaymentRef}

		if req.Commission > 0 {
			accts, err := ledger.PostTx(ctx, tx.Ledger(), ledger.Batch{
				Key:       req.Key,
				Reference: ledger.Reference{Type: "pos_sale", ID: req.SaleID},
				Postings: []ledger.Posting{{
					OwnerID:     req.DealerID,
					Asset:       req.CommissionAsset,
					Kind:        ledger.KindDeposit,
					Amount:      req.Commission,
					Description: fmt.Sprintf("commission for %s (%s)", u.Serial, asset.Format(req.CommissionAsset, req.Commission)),
				}},
			}, now)
			if err != nil {
				return POSSale{}, err
			}
			out.Dealer = &accts[0]
		}
		return out, nil
	})
	if err != nil {
		return POSSale{}, err
	}

	if !replayed {
		eventType := events.TypePOSSold
		if sale.Status == POSExpired {
			eventType = events.TypePOSCancelled
		}
		s.publish(ctx, eventType, req.SaleID, sale)
	}
	if sale.Status == POSExpired {
		return sale, &inventory.UnitError{Serial: sale.Unit.Serial, Token: req.Token, Err: inventory.ErrReservationExpired}
	}
	return sale, nil
}

// CancelPOS drops a point-of-sale hold. Unknown or resolved tokens succeed.
func (s *Service) CancelPOS(ctx context.Context, dealerID, token string) (bool, error) {
	var released bool
	var unit inventory.Unit
	err := conflict.Retry(ctx, s.cfg.ConflictRetries, func(ctx context.Context) error {
		return s.uow.Do(ctx, func(ctx context.Context, tx store.Tx) error {
			released = false
			held, err := tx.Inventory().GetByToken(ctx, token)
			if errors.Is(err, inventory.ErrReservationNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if held.LocationID != dealerID {
				return fmt.Errorf("%w: %s", ErrWrongLocation, held.Serial)
			}
			unit, released, err = inventory.CancelTx(ctx, tx.Inventory(), token, s.now())
			return err
		})
	})
	s.metrics.ObserveReservation("pos_cancel", reservationOutcome(err))
	if err == nil && released {
		s.publish(ctx, events.TypePOSCancelled, unit.Serial, unit)
	}
	return released, err
}

func reservationOutcome(err error) string {
	if errors.Is(err, ErrWrongLocation) {
		return "wrong_location"
	}
	if err != nil {
		return "error"
	}
	return "ok"
}
