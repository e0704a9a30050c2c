package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/events"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/metrics"
	"github.com/talamala/bullion/internal/orders"
	"github.com/talamala/bullion/internal/store"
)

// Checkout statuses. A checkout is held until it is paid, aborted or
// expired, and never changes again after that.
const (
	CheckoutHeld    = "held"
	CheckoutPaid    = "paid"
	CheckoutAborted = "aborted"
	CheckoutExpired = "expired"
)

// CheckoutRequest holds a buyer's funds and reserves the requested units.
type CheckoutRequest struct {
	Key     string
	OrderID string
	BuyerID string
	Asset   asset.Code
	Amount  int64
	Units   []inventory.Selector
	TTL     time.Duration
}

// CheckoutHold is the result of StartCheckout.
type CheckoutHold struct {
	OrderID      string                  `json:"order_id"`
	BuyerID      string                  `json:"buyer_id"`
	Asset        asset.Code              `json:"asset"`
	Amount       int64                   `json:"amount"`
	Account      ledger.Account          `json:"account"`
	Reservations []inventory.Reservation `json:"reservations"`
	ExpiresAt    time.Time               `json:"expires_at"`
}

// PaymentOutcome is what the payment side reports for a checkout.
type PaymentOutcome struct {
	Success     bool   `json:"success"`
	ExternalRef string `json:"external_ref,omitempty"`
}

// SettleRequest resolves a held checkout.
type SettleRequest struct {
	Key     string
	OrderID string
	BuyerID string
	Asset   asset.Code
	Amount  int64
	Tokens  []string
	Outcome PaymentOutcome
}

// CheckoutSettlement is the result of SettleCheckout.
type CheckoutSettlement struct {
	OrderID     string           `json:"order_id"`
	Status      string           `json:"status"`
	ExternalRef string           `json:"external_ref,omitempty"`
	Account     ledger.Account   `json:"account"`
	Units       []inventory.Unit `json:"units,omitempty"`
}

func (r CheckoutRequest) validate() error {
	switch {
	case r.OrderID == "" || r.BuyerID == "":
		return invalid("order and buyer are required")
	case !r.Asset.Valid():
		return invalid("unknown asset %q", r.Asset)
	case r.Amount <= 0:
		return invalid("amount must be positive")
	case len(r.Units) == 0:
		return invalid("at least one unit is required")
	}
	for _, sel := range r.Units {
		if err := sel.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

// Ledger batches are keyed by order, so one order can hold and resolve its
// funds at most once whatever keys its callers use.
func checkoutHoldKey(orderID string) string   { return "checkout_hold:" + orderID }
func checkoutSettleKey(orderID string) string { return "checkout_settle:" + orderID }

// StartCheckout holds the order amount on the buyer's account, reserves
// every requested unit and records the checkout, all in one unit of work.
func (s *Service) StartCheckout(ctx context.Context, req CheckoutRequest) (CheckoutHold, error) {
	if err := req.validate(); err != nil {
		return CheckoutHold{}, err
	}
	if req.TTL <= 0 {
		req.TTL = s.cfg.CheckoutHoldTTL
	}

	selectors := make([]string, 0, len(req.Units))
	for _, sel := range req.Units {
		selectors = append(selectors, sel.String())
	}
	fp := fingerprint("checkout.start", req.OrderID, req.BuyerID, req.Asset, req.Amount, strings.Join(selectors, ","))

	hold, replayed, err := WithIdempotency(ctx, s, "checkout.start", req.Key, fp, func(ctx context.Context, tx store.Tx) (CheckoutHold, error) {
		now := s.now()
		if _, err := tx.Orders().LockCheckout(ctx, req.OrderID); err == nil {
			return CheckoutHold{}, fmt.Errorf("%w: %s", ErrOrderExists, req.OrderID)
		} else if !errors.Is(err, orders.ErrNotFound) {
			return CheckoutHold{}, err
		}

		accts, err := ledger.PostTx(ctx, tx.Ledger(), ledger.Batch{
			Key:       checkoutHoldKey(req.OrderID),
			Reference: ledger.Reference{Type: "order", ID: req.OrderID},
			Postings: []ledger.Posting{{
				OwnerID:     req.BuyerID,
				Asset:       req.Asset,
				Kind:        ledger.KindHold,
				Amount:      req.Amount,
				Description: fmt.Sprintf("hold for order %s (%s)", req.OrderID, asset.Format(req.Asset, req.Amount)),
			}},
		}, now)
		if errors.Is(err, ledger.ErrDuplicatePosting) {
			return CheckoutHold{}, fmt.Errorf("%w: %s", ErrOrderExists, req.OrderID)
		}
		if err != nil {
			return CheckoutHold{}, err
		}

		out := CheckoutHold{
			OrderID:   req.OrderID,
			BuyerID:   req.BuyerID,
			Asset:     req.Asset,
			Amount:    req.Amount,
			Account:   accts[0],
			ExpiresAt: now.Add(req.TTL),
		}
		tokens := make([]string, 0, len(req.Units))
		for _, sel := range req.Units {
			res, err := inventory.ReserveTx(ctx, tx.Inventory(), inventory.Request{Selector: sel, HolderID: req.BuyerID, TTL: req.TTL}, now)
			if err != nil {
				return CheckoutHold{}, err
			}
			out.Reservations = append(out.Reservations, res)
			tokens = append(tokens, res.Token)
		}

		err = tx.Orders().InsertCheckout(ctx, orders.Checkout{
			OrderID:   req.OrderID,
			BuyerID:   req.BuyerID,
			Asset:     req.Asset,
			Amount:    req.Amount,
			Tokens:    tokens,
			Status:    CheckoutHeld,
			ExpiresAt: out.ExpiresAt,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if errors.Is(err, orders.ErrExists) {
			return CheckoutHold{}, fmt.Errorf("%w: %s", ErrOrderExists, req.OrderID)
		}
		if err != nil {
			return CheckoutHold{}, err
		}
		return out, nil
	})
	if err != nil {
		return CheckoutHold{}, err
	}
	if !replayed {
		s.publish(ctx, events.TypeCheckoutHeld, req.OrderID, hold)
	}
	return hold, nil
}

func (r SettleRequest) validate() error {
	switch {
	case r.OrderID == "" || r.BuyerID == "":
		return invalid("order and buyer are required")
	case !r.Asset.Valid():
		return invalid("unknown asset %q", r.Asset)
	case r.Amount <= 0:
		return invalid("amount must be positive")
	case len(r.Tokens) == 0:
		return invalid("at least one reservation token is required")
	}
	return nil
}

// matches rejects a settle request that does not describe the stored checkout.
func (r SettleRequest) matches(co orders.Checkout) error {
	mismatch := func(field string) error {
		return fmt.Errorf("%w: order %s %s differs", ErrCheckoutMismatch, co.OrderID, field)
	}
	switch {
	case r.BuyerID != co.BuyerID:
		return mismatch("buyer")
	case r.Asset != co.Asset:
		return mismatch("asset")
	case r.Amount != co.Amount:
		return mismatch("amount")
	}
	got, want := slices.Clone(r.Tokens), slices.Clone(co.Tokens)
	slices.Sort(got)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		return mismatch("reservations")
	}
	return nil
}

// SettleCheckout commits or unwinds a held checkout. On a successful payment
// the held funds are committed and every reservation confirmed to the buyer.
// On a failed payment, or when the checkout has already expired, the funds
// are released and the reservations cancelled; the expired case is reported
// as inventory.ErrReservationExpired with the unwound settlement. An order
// resolves exactly once: later requests under any key get ErrCheckoutResolved.
func (s *Service) SettleCheckout(ctx context.Context, req SettleRequest) (CheckoutSettlement, error) {
	if err := req.validate(); err != nil {
		return CheckoutSettlement{}, err
	}
	fp := fingerprint("checkout.settle", req.OrderID, req.BuyerID, req.Asset, req.Amount,
		strings.Join(req.Tokens, ","), req.Outcome.Success, req.Outcome.ExternalRef)

	out, replayed, err := WithIdempotency(ctx, s, "checkout.settle", req.Key, fp, func(ctx context.Context, tx store.Tx) (CheckoutSettlement, error) {
		now := s.now()
		co, err := tx.Orders().LockCheckout(ctx, req.OrderID)
		if errors.Is(err, orders.ErrNotFound) {
			return CheckoutSettlement{}, fmt.Errorf("%w: %s", ErrCheckoutNotFound, req.OrderID)
		}
		if err != nil {
			return CheckoutSettlement{}, err
		}
		if err := req.matches(co); err != nil {
			return CheckoutSettlement{}, err
		}
		switch co.Status {
		case CheckoutHeld:
		case CheckoutExpired:
			return CheckoutSettlement{}, &inventory.UnitError{Err: inventory.ErrReservationExpired}
		default:
			return CheckoutSettlement{}, fmt.Errorf("%w: order %s is %s", ErrCheckoutResolved, co.OrderID, co.Status)
		}

		if !req.Outcome.Success {
			return s.unwindCheckout(ctx, tx, co, req.Outcome.ExternalRef, CheckoutAborted, now)
		}
		if now.After(co.ExpiresAt) {
			return s.unwindCheckout(ctx, tx, co, req.Outcome.ExternalRef, CheckoutExpired, now)
		}
		for _, token := range co.Tokens {
			u, err := tx.Inventory().GetByToken(ctx, token)
			if errors.Is(err, inventory.ErrReservationNotFound) || (err == nil && (!u.HoldActive(now) || u.HolderID != co.BuyerID)) {
				return s.unwindCheckout(ctx, tx, co, req.Outcome.ExternalRef, CheckoutExpired, now)
			}
			if err != nil {
				return CheckoutSettlement{}, err
			}
		}

		accts, err := ledger.PostTx(ctx, tx.Ledger(), ledger.Batch{
			Key:       checkoutSettleKey(co.OrderID),
			Reference: ledger.Reference{Type: "order", ID: co.OrderID},
			Postings: []ledger.Posting{{
				OwnerID:     co.BuyerID,
				Asset:       co.Asset,
				Kind:        ledger.KindCommit,
				Amount:      co.Amount,
				Description: fmt.Sprintf("payment for order %s", co.OrderID),
			}},
		}, now)
		if err != nil {
			return CheckoutSettlement{}, err
		}

		result := CheckoutSettlement{
			OrderID:     co.OrderID,
			Status:      CheckoutPaid,
			ExternalRef: req.Outcome.ExternalRef,
			Account:     accts[0],
		}
		for _, token := range co.Tokens {
			u, err := inventory.ConfirmTx(ctx, tx.Inventory(), token, co.BuyerID, now)
			if err != nil {
				return CheckoutSettlement{}, err
			}
			result.Units = append(result.Units, u)
		}
		if err := tx.Orders().SetCheckoutStatus(ctx, co.OrderID, CheckoutPaid, now); err != nil {
			return CheckoutSettlement{}, err
		}
		return result, nil
	})
	if err != nil {
		return CheckoutSettlement{}, err
	}

	if !replayed {
		eventType := events.TypeCheckoutSettled
		if out.Status != CheckoutPaid {
			eventType = events.TypeCheckoutAborted
		}
		s.publish(ctx, eventType, req.OrderID, out)
	}
	if out.Status == CheckoutExpired {
		return out, &inventory.UnitError{Err: inventory.ErrReservationExpired}
	}
	return out, nil
}

// ExpireCheckouts unwinds held checkouts whose expiry has passed: the funds
// go back to the buyer and the reservations are cancelled. Each checkout is
// its own unit of work, so a settle racing the sweep either wins the row
// lock and pays, or finds the checkout expired.
func (s *Service) ExpireCheckouts(ctx context.Context, limit int) (int, error) {
	now := s.now()
	logger := logging.FromContext(ctx, s.logger)

	var due []orders.Checkout
	err := s.uow.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		due, err = tx.Orders().ListExpiredCheckouts(ctx, CheckoutHeld, now, limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expired checkouts: %w", err)
	}

	expired := 0
	for _, co := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		var (
			out     CheckoutSettlement
			unwound bool
			started = time.Now()
		)
		err := conflict.Retry(ctx, s.cfg.ConflictRetries, func(ctx context.Context) error {
			return s.uow.Do(ctx, func(ctx context.Context, tx store.Tx) error {
				unwound = false
				cur, err := tx.Orders().LockCheckout(ctx, co.OrderID)
				if err != nil {
					return err
				}
				if cur.Status != CheckoutHeld || !cur.ExpiresAt.Before(now) {
					return nil
				}
				out, err = s.unwindCheckout(ctx, tx, cur, "", CheckoutExpired, now)
				unwound = err == nil
				return err
			})
		}, func(int, error) { s.metrics.ObserveRetry("checkout.expire") })
		s.metrics.ObserveFlow("checkout.expire", metrics.Outcome(err), time.Since(started))
		if err != nil {
			return expired, fmt.Errorf("expire order %s: %w", co.OrderID, err)
		}
		if !unwound {
			logger.Debug("expired checkout already resolved", slog.String("order_id", co.OrderID))
			continue
		}
		expired++
		logger.Info("expired checkout released", slog.String("order_id", co.OrderID), slog.String("buyer_id", co.BuyerID))
		s.publish(ctx, events.TypeCheckoutExpired, co.OrderID, out)
	}
	return expired, nil
}

// unwindCheckout releases the held funds, drops every hold still owned by
// the order and closes the checkout with status.
func (s *Service) unwindCheckout(ctx context.Context, tx store.Tx, co orders.Checkout, externalRef, status string, now time.Time) (CheckoutSettlement, error) {
	accts, err := ledger.PostTx(ctx, tx.Ledger(), ledger.Batch{
		Key:       checkoutSettleKey(co.OrderID),
		Reference: ledger.Reference{Type: "order", ID: co.OrderID},
		Postings: []ledger.Posting{{
			OwnerID:     co.BuyerID,
			Asset:       co.Asset,
			Kind:        ledger.KindRelease,
			Amount:      co.Amount,
			Description: fmt.Sprintf("release for order %s (%s)", co.OrderID, status),
		}},
	}, now)
	if err != nil {
		return CheckoutSettlement{}, err
	}
	for _, token := range co.Tokens {
		if _, _, err := inventory.CancelTx(ctx, tx.Inventory(), token, now); err != nil {
			return CheckoutSettlement{}, err
		}
	}
	if err := tx.Orders().SetCheckoutStatus(ctx, co.OrderID, status, now); err != nil {
		return CheckoutSettlement{}, err
	}
	return CheckoutSettlement{
		OrderID:     co.OrderID,
		Status:      status,
		ExternalRef: externalRef,
		Account:     accts[0],
	}, nil
}
