package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/settlement"
)

// Result statuses.
const (
	StatusCredited  = "credited"
	StatusFailed    = "failed"
	StatusDuplicate = "duplicate"
)

// Result is what the callback endpoint reports back to the gateway.
type Result struct {
	Gateway     string                         `json:"gateway"`
	ExternalRef string                         `json:"external_ref"`
	Purpose     string                         `json:"purpose"`
	Status      string                         `json:"status"`
	Topup       *settlement.Topup              `json:"topup,omitempty"`
	Checkout    *settlement.CheckoutSettlement `json:"checkout,omitempty"`
}

// Settler is the part of the orchestrator the callbacks drive.
type Settler interface {
	ConfirmTopup(ctx context.Context, req settlement.TopupRequest) (settlement.Topup, error)
	SettleCheckout(ctx context.Context, req settlement.SettleRequest) (settlement.CheckoutSettlement, error)
}

// Service turns verified gateway callbacks into settlement flows. The
// idempotency key comes from the gateway and its payment reference, so a
// provider redelivering the same callback never settles twice.
type Service struct {
	settler  Settler
	gateways map[string]Gateway
	logger   *slog.Logger
}

// NewService registers gateways by name. An empty map registers the
// StaticGateway as "static".
func NewService(settler Settler, gateways map[string]Gateway, logger *slog.Logger) (*Service, error) {
	if settler == nil {
		return nil, fmt.Errorf("settler is required")
	}
	if len(gateways) == 0 {
		gateways = map[string]Gateway{"static": StaticGateway{}}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{settler: settler, gateways: gateways, logger: logger}, nil
}

// CallbackKey derives the idempotency key of a callback.
func CallbackKey(gateway, externalRef string) string {
	return "gateway:" + gateway + ":" + externalRef
}

// HandleCallback verifies cb with its gateway and settles the payment.
func (s *Service) HandleCallback(ctx context.Context, cb Callback) (Result, error) {
	gw, ok := s.gateways[cb.Gateway]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownGateway, cb.Gateway)
	}
	if cb.ExternalRef == "" {
		return Result{}, fmt.Errorf("%w: external reference is required", settlement.ErrInvalidRequest)
	}

	outcome, err := gw.Verify(ctx, cb)
	if err != nil {
		return Result{}, fmt.Errorf("verify %s callback %s: %w", cb.Gateway, cb.ExternalRef, err)
	}
	if outcome.ExternalRef == "" {
		outcome.ExternalRef = cb.ExternalRef
	}

	log := logging.FromContext(ctx, s.logger).With(
		slog.String("gateway", cb.Gateway),
		slog.String("external_ref", cb.ExternalRef),
		slog.String("purpose", cb.Purpose),
	)
	res := Result{Gateway: cb.Gateway, ExternalRef: outcome.ExternalRef, Purpose: cb.Purpose, Status: StatusFailed}

	code := asset.Code(cb.Asset)
	if code == "" {
		code = asset.IRR
	}

	switch cb.Purpose {
	case PurposeTopup:
		if !outcome.Success {
			log.Info("top-up payment failed at gateway")
			return res, nil
		}
		topup, err := s.settler.ConfirmTopup(ctx, settlement.TopupRequest{
			TopupID:     cb.TopupID,
			OwnerID:     cb.OwnerID,
			Asset:       code,
			Amount:      cb.Amount,
			ExternalRef: outcome.ExternalRef,
		})
		if err != nil {
			return Result{}, err
		}
		res.Status = StatusCredited
		res.Topup = &topup
		return res, nil

	case PurposeCheckout:
		out, err := s.settler.SettleCheckout(ctx, settlement.SettleRequest{
			Key:     CallbackKey(cb.Gateway, cb.ExternalRef),
			OrderID: cb.OrderID,
			BuyerID: cb.OwnerID,
			Asset:   code,
			Amount:  cb.Amount,
			Tokens:  cb.Tokens,
			Outcome: settlement.PaymentOutcome{Success: outcome.Success, ExternalRef: outcome.ExternalRef},
		})
		switch {
		case err == nil:
			res.Status = out.Status
			res.Checkout = &out
		case errors.Is(err, inventory.ErrReservationExpired):
			// the payment arrived after the hold lapsed; the gateway must refund it
			log.Warn("checkout paid after reservation expired")
			res.Status = settlement.CheckoutExpired
			if out.OrderID != "" {
				res.Checkout = &out
			}
		case errors.Is(err, settlement.ErrCheckoutResolved):
			// a second payment for an order that already settled under another reference
			log.Warn("callback for resolved checkout", slog.Any("error", err))
			res.Status = StatusDuplicate
		default:
			return Result{}, err
		}
		return res, nil

	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownPurpose, cb.Purpose)
	}
}
