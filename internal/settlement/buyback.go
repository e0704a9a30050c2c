package settlement

import (
	"context"
	"fmt"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/events"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/store"
)

// BuybackRequest takes a sold unit back from its owner.
type BuybackRequest struct {
	Key        string
	BuybackID  string
	Serial     string
	CustomerID string
	LocationID string
	// Payout is credited as withdrawable money.
	Payout      int64
	PayoutAsset asset.Code
	// WageRefund returns part of the original making charge as
	// non-withdrawable credit.
	WageRefund int64
}

// Buyback is the result of a completed buyback.
type Buyback struct {
	BuybackID string         `json:"buyback_id"`
	Unit      inventory.Unit `json:"unit"`
	Account   ledger.Account `json:"account"`
}

// Buyback returns the unit to stock and pays the customer, atomically.
func (s *Service) Buyback(ctx context.Context, req BuybackRequest) (Buyback, error) {
	if req.PayoutAsset == "" {
		req.PayoutAsset = asset.IRR
	}
	switch {
	case req.BuybackID == "" || req.Serial == "" || req.CustomerID == "":
		return Buyback{}, invalid("buyback, serial and customer are required")
	case !req.PayoutAsset.Valid():
		return Buyback{}, invalid("unknown asset %q", req.PayoutAsset)
	case req.Payout <= 0:
		return Buyback{}, invalid("payout must be positive")
	case req.WageRefund < 0:
		return Buyback{}, invalid("wage refund cannot be negative")
	}
	fp := fingerprint("buyback", req.BuybackID, req.Serial, req.CustomerID, req.LocationID,
		req.Payout, req.PayoutAsset, req.WageRefund)

	out, replayed, err := WithIdempotency(ctx, s, "buyback", req.Key, fp, func(ctx context.Context, tx store.Tx) (Buyback, error) {
		now := s.now()
		u, err := inventory.ReturnTx(ctx, tx.Inventory(), req.Serial, req.CustomerID, req.LocationID, now)
		if err != nil {
			return Buyback{}, err
		}

		postings := []ledger.Posting{{
			OwnerID:     req.CustomerID,
			Asset:       req.PayoutAsset,
			Kind:        ledger.KindRefund,
			Amount:      req.Payout,
			Description: fmt.Sprintf("buyback of %s", req.Serial),
		}}
		if req.WageRefund > 0 {
			postings = append(postings, ledger.Posting{
				OwnerID:     req.CustomerID,
				Asset:       req.PayoutAsset,
				Kind:        ledger.KindCredit,
				Amount:      req.WageRefund,
				Description: fmt.Sprintf("wage refund for %s", req.Serial),
			})
		}
		accts, err := ledger.PostTx(ctx, tx.Ledger(), ledger.Batch{
			Key:       req.Key,
			Reference: ledger.Reference{Type: "buyback", ID: req.BuybackID},
			Postings:  postings,
		}, now)
		if err != nil {
			return Buyback{}, err
		}
		return Buyback{BuybackID: req.BuybackID, Unit: u, Account: accts[0]}, nil
	})
	if err != nil {
		return Buyback{}, err
	}
	if !replayed {
		s.publish(ctx, events.TypeBuybackCompleted, req.BuybackID, out)
	}
	return out, nil
}
