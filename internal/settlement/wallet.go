package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/events"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/orders"
	"github.com/talamala/bullion/internal/store"
)

// Wallet flow keys are derived from the business id, so a gateway or admin
// retrying the same top-up or withdrawal can never post twice.
func topupKey(id string) string             { return "topup_confirm:" + id }
func withdrawalRequestKey(id string) string { return "withdrawal_request:" + id }
func withdrawalApproveKey(id string) string { return "withdrawal_approve:" + id }
func withdrawalRejectKey(id string) string  { return "withdrawal_reject:" + id }
func withdrawalResolveKey(id string) string { return "withdrawal_resolve:" + id }

// TopupRequest credits money collected by a payment gateway.
type TopupRequest struct {
	TopupID     string
	OwnerID     string
	Asset       asset.Code
	Amount      int64
	ExternalRef string
}

// Topup is the result of ConfirmTopup.
type Topup struct {
	TopupID     string         `json:"topup_id"`
	ExternalRef string         `json:"external_ref,omitempty"`
	Account     ledger.Account `json:"account"`
}

// ConfirmTopup deposits a verified gateway payment exactly once per top-up id.
func (s *Service) ConfirmTopup(ctx context.Context, req TopupRequest) (Topup, error) {
	if req.Asset == "" {
		req.Asset = asset.IRR
	}
	switch {
	case req.TopupID == "" || req.OwnerID == "":
		return Topup{}, invalid("top-up and owner are required")
	case !req.Asset.Valid():
		return Topup{}, invalid("unknown asset %q", req.Asset)
	case req.Amount <= 0:
		return Topup{}, invalid("amount must be positive")
	}
	key := topupKey(req.TopupID)
	fp := fingerprint("topup", req.TopupID, req.OwnerID, req.Asset, req.Amount)

	out, replayed, err := WithIdempotency(ctx, s, "topup", key, fp, func(ctx context.Context, tx store.Tx) (Topup, error) {
		accts, err := ledger.PostTx(ctx, tx.Ledger(), ledger.Batch{
			Key:       key,
			Reference: ledger.Reference{Type: "topup", ID: req.TopupID},
			Postings: []ledger.Posting{{
				OwnerID:     req.OwnerID,
				Asset:       req.Asset,
				Kind:        ledger.KindDeposit,
				Amount:      req.Amount,
				Description: "wallet top-up " + req.ExternalRef,
			}},
		}, s.now())
		if err != nil {
			return Topup{}, err
		}
		return Topup{TopupID: req.TopupID, ExternalRef: req.ExternalRef, Account: accts[0]}, nil
	})
	if err != nil {
		return Topup{}, err
	}
	if !replayed {
		s.publish(ctx, events.TypeTopupConfirmed, req.TopupID, out)
	}
	return out, nil
}

// Withdrawal statuses.
const (
	WithdrawalPending  = "pending"
	WithdrawalApproved = "approved"
	WithdrawalRejected = "rejected"
)

// WithdrawalRequest asks to move withdrawable money out of the system.
type WithdrawalRequest struct {
	WithdrawalID string
	OwnerID      string
	Asset        asset.Code
	Amount       int64
}

// Withdrawal describes a withdrawal and its current account snapshot.
type Withdrawal struct {
	WithdrawalID string         `json:"withdrawal_id"`
	OwnerID      string         `json:"owner_id"`
	Asset        asset.Code     `json:"asset"`
	Amount       int64          `json:"amount"`
	Status       string         `json:"status"`
	Account      ledger.Account `json:"account"`
}

// RequestWithdrawal holds the amount until an operator approves or rejects
// it. Only withdrawable money qualifies: credit never leaves the system.
func (s *Service) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (Withdrawal, error) {
	if req.Asset == "" {
		req.Asset = asset.IRR
	}
	switch {
	case req.WithdrawalID == "" || req.OwnerID == "":
		return Withdrawal{}, invalid("withdrawal and owner are required")
	case !req.Asset.Valid():
		return Withdrawal{}, invalid("unknown asset %q", req.Asset)
	case req.Amount <= 0:
		return Withdrawal{}, invalid("amount must be positive")
	}
	key := withdrawalRequestKey(req.WithdrawalID)
	fp := fingerprint("withdrawal.request", req.WithdrawalID, req.OwnerID, req.Asset, req.Amount)

	out, replayed, err := WithIdempotency(ctx, s, "withdrawal.request", key, fp, func(ctx context.Context, tx store.Tx) (Withdrawal, error) {
		now := s.now()
		if _, err := tx.Orders().LockWithdrawal(ctx, req.WithdrawalID); err == nil {
			return Withdrawal{}, fmt.Errorf("%w: withdrawal %s", ErrOrderExists, req.WithdrawalID)
		} else if !errors.Is(err, orders.ErrNotFound) {
			return Withdrawal{}, err
		}
		acct, err := tx.Ledger().LockAccount(ctx, req.OwnerID, req.Asset)
		if err != nil {
			return Withdrawal{}, err
		}
		if acct.Withdrawable() < req.Amount {
			return Withdrawal{}, &ledger.BalanceError{
				OwnerID:   req.OwnerID,
				Asset:     req.Asset,
				Kind:      ledger.KindHold,
				Amount:    req.Amount,
				Available: acct.Withdrawable(),
				Err:       ledger.ErrInsufficientFunds,
			}
		}
		accts, err := ledger.PostTx(ctx, tx.Ledger(), ledger.Batch{
			Key:       key,
			Reference: ledger.Reference{Type: "withdrawal", ID: req.WithdrawalID},
			Postings: []ledger.Posting{{
				OwnerID:     req.OwnerID,
				Asset:       req.Asset,
				Kind:        ledger.KindHold,
				Amount:      req.Amount,
				Description: "withdrawal request",
			}},
		}, now)
		if err != nil {
			return Withdrawal{}, err
		}
		row := orders.Withdrawal{
			WithdrawalID: req.WithdrawalID,
			OwnerID:      req.OwnerID,
			Asset:        req.Asset,
			Amount:       req.Amount,
			Status:       WithdrawalPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err = tx.Orders().InsertWithdrawal(ctx, row)
		if errors.Is(err, orders.ErrExists) {
			return Withdrawal{}, fmt.Errorf("%w: withdrawal %s", ErrOrderExists, req.WithdrawalID)
		}
		if err != nil {
			return Withdrawal{}, err
		}
		return withdrawalView(row, accts[0]), nil
	})
	if err != nil {
		return Withdrawal{}, err
	}
	if !replayed {
		s.publish(ctx, events.TypeWithdrawalRequested, req.WithdrawalID, out)
	}
	return out, nil
}

// ApproveWithdrawal commits the held amount; the money has left the system.
func (s *Service) ApproveWithdrawal(ctx context.Context, withdrawalID string) (Withdrawal, error) {
	return s.resolveWithdrawal(ctx, withdrawalID, true)
}

// RejectWithdrawal releases the held amount back to available.
func (s *Service) RejectWithdrawal(ctx context.Context, withdrawalID string) (Withdrawal, error) {
	return s.resolveWithdrawal(ctx, withdrawalID, false)
}

// resolveWithdrawal moves a pending withdrawal to its final status under the
// row lock, so an approve and a reject racing each other cannot both post.
// Repeating the decision that already won returns the current view.
func (s *Service) resolveWithdrawal(ctx context.Context, withdrawalID string, approve bool) (Withdrawal, error) {
	if withdrawalID == "" {
		return Withdrawal{}, invalid("withdrawal is required")
	}
	flow, key := "withdrawal.reject", withdrawalRejectKey(withdrawalID)
	kind, status, eventType := ledger.KindRelease, WithdrawalRejected, events.TypeWithdrawalRejected
	if approve {
		flow, key = "withdrawal.approve", withdrawalApproveKey(withdrawalID)
		kind, status, eventType = ledger.KindCommit, WithdrawalApproved, events.TypeWithdrawalApproved
	}
	fp := fingerprint(flow, withdrawalID)

	var posted bool
	out, replayed, err := WithIdempotency(ctx, s, flow, key, fp, func(ctx context.Context, tx store.Tx) (Withdrawal, error) {
		posted = false
		now := s.now()
		row, err := tx.Orders().LockWithdrawal(ctx, withdrawalID)
		if errors.Is(err, orders.ErrNotFound) {
			return Withdrawal{}, fmt.Errorf("%w: %s", ErrWithdrawalNotFound, withdrawalID)
		}
		if err != nil {
			return Withdrawal{}, err
		}

		switch row.Status {
		case WithdrawalPending:
		case status:
			acct, err := tx.Ledger().LockAccount(ctx, row.OwnerID, row.Asset)
			if err != nil {
				return Withdrawal{}, err
			}
			return withdrawalView(row, acct), nil
		default:
			return Withdrawal{}, fmt.Errorf("%w: %s is %s", ErrWithdrawalResolved, withdrawalID, row.Status)
		}

		accts, err := ledger.PostTx(ctx, tx.Ledger(), ledger.Batch{
			Key:       withdrawalResolveKey(withdrawalID),
			Reference: ledger.Reference{Type: "withdrawal", ID: withdrawalID},
			Postings: []ledger.Posting{{
				OwnerID:     row.OwnerID,
				Asset:       row.Asset,
				Kind:        kind,
				Amount:      row.Amount,
				Description: "withdrawal " + status,
			}},
		}, now)
		if err != nil {
			return Withdrawal{}, err
		}
		if err := tx.Orders().SetWithdrawalStatus(ctx, withdrawalID, status, now); err != nil {
			return Withdrawal{}, err
		}
		row.Status = status
		posted = true
		return withdrawalView(row, accts[0]), nil
	})
	if err != nil {
		return Withdrawal{}, err
	}
	if !replayed && posted {
		s.publish(ctx, eventType, withdrawalID, out)
	}
	return out, nil
}

func withdrawalView(row orders.Withdrawal, acct ledger.Account) Withdrawal {
	return Withdrawal{
		WithdrawalID: row.WithdrawalID,
		OwnerID:      row.OwnerID,
		Asset:        row.Asset,
		Amount:       row.Amount,
		Status:       row.Status,
		Account:      acct,
	}
}
