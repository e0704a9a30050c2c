package settlement

import (
	"context"
	"fmt"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/events"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/store"
)

// Side is the owner's direction in a metal trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeRequest converts between money (IRR) and metal (XAU_MG) at a price
// already resolved by the caller.
type TradeRequest struct {
	Key         string
	TradeID     string
	OwnerID     string
	Side        Side
	MoneyAmount int64
	MetalAmount int64
}

// Trade is the result of TradeMetal.
type Trade struct {
	TradeID string         `json:"trade_id"`
	Side    Side           `json:"side"`
	Money   ledger.Account `json:"money"`
	Metal   ledger.Account `json:"metal"`
}

// TradeMetal debits one asset and credits the other in a single batch.
func (s *Service) TradeMetal(ctx context.Context, req TradeRequest) (Trade, error) {
	switch {
	case req.TradeID == "" || req.OwnerID == "":
		return Trade{}, invalid("trade and owner are required")
	case req.Side != SideBuy && req.Side != SideSell:
		return Trade{}, invalid("unknown side %q", req.Side)
	case req.MoneyAmount <= 0 || req.MetalAmount <= 0:
		return Trade{}, invalid("amounts must be positive")
	}
	fp := fingerprint("trade", req.TradeID, req.OwnerID, req.Side, req.MoneyAmount, req.MetalAmount)
	grams := asset.Format(asset.XAU, req.MetalAmount)

	var postings []ledger.Posting
	if req.Side == SideBuy {
		postings = []ledger.Posting{
			{OwnerID: req.OwnerID, Asset: asset.IRR, Kind: ledger.KindPayment, Amount: req.MoneyAmount, Description: "gold buy " + grams},
			{OwnerID: req.OwnerID, Asset: asset.XAU, Kind: ledger.KindDeposit, Amount: req.MetalAmount, Description: "gold buy " + grams},
		}
	} else {
		postings = []ledger.Posting{
			{OwnerID: req.OwnerID, Asset: asset.XAU, Kind: ledger.KindWithdraw, Amount: req.MetalAmount, ConsumeCredit: true, Description: "gold sell " + grams},
			{OwnerID: req.OwnerID, Asset: asset.IRR, Kind: ledger.KindDeposit, Amount: req.MoneyAmount, Description: "gold sell " + grams},
		}
	}

	out, replayed, err := WithIdempotency(ctx, s, "trade", req.Key, fp, func(ctx context.Context, tx store.Tx) (Trade, error) {
		accts, err := ledger.PostTx(ctx, tx.Ledger(), ledger.Batch{
			Key:       req.Key,
			Reference: ledger.Reference{Type: "trade", ID: req.TradeID},
			Postings:  postings,
		}, s.now())
		if err != nil {
			return Trade{}, err
		}
		t := Trade{TradeID: req.TradeID, Side: req.Side}
		for _, a := range accts {
			switch a.Asset {
			case asset.IRR:
				t.Money = a
			case asset.XAU:
				t.Metal = a
			}
		}
		return t, nil
	})
	if err != nil {
		return Trade{}, fmt.Errorf("trade %s: %w", req.TradeID, err)
	}
	if !replayed {
		s.publish(ctx, events.TypeTradeExecuted, req.TradeID, out)
	}
	return out, nil
}
