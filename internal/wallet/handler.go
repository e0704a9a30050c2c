package wallet

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/settlement"
	"github.com/talamala/bullion/internal/validate"
)

// Withdrawals is the part of the orchestrator behind the withdrawal endpoints.
type Withdrawals interface {
	RequestWithdrawal(ctx context.Context, req settlement.WithdrawalRequest) (settlement.Withdrawal, error)
	ApproveWithdrawal(ctx context.Context, withdrawalID string) (settlement.Withdrawal, error)
	RejectWithdrawal(ctx context.Context, withdrawalID string) (settlement.Withdrawal, error)
}

// Handler exposes account balances, history and withdrawals.
type Handler struct {
	ledger      *ledger.Service
	withdrawals Withdrawals
	validator   *validate.Validator
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(l *ledger.Service, w Withdrawals, v *validate.Validator) *Handler {
	return &Handler{ledger: l, withdrawals: w, validator: v}
}

func accountParams(c *fiber.Ctx) (string, asset.Code, error) {
	code, err := asset.Parse(c.Params("asset"))
	if err != nil {
		return "", "", err
	}
	return c.Params("ownerId"), code, nil
}

// Balance handles GET /accounts/:ownerId/:asset.
func (h *Handler) Balance(c *fiber.Ctx) error {
	owner, code, err := accountParams(c)
	if err != nil {
		return err
	}
	acct, err := h.ledger.Balance(c.UserContext(), owner, code)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toView(acct))
}

// Entries handles GET /accounts/:ownerId/:asset/entries?limit=&offset=.
func (h *Handler) Entries(c *fiber.Ctx) error {
	owner, code, err := accountParams(c)
	if err != nil {
		return err
	}
	limit, offset := c.QueryInt("limit", 50), c.QueryInt("offset", 0)
	entries, err := h.ledger.Entries(c.UserContext(), owner, code, limit, offset)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(entriesResponse{Entries: entries, Limit: limit, Offset: offset})
}

// Reconcile handles GET /accounts/:ownerId/:asset/reconcile.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	owner, code, err := accountParams(c)
	if err != nil {
		return err
	}
	rec, err := h.ledger.Reconcile(c.UserContext(), owner, code)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if !rec.Consistent {
		status = http.StatusConflict
	}
	return c.Status(status).JSON(rec)
}

// RequestWithdrawal handles POST /withdrawals.
func (h *Handler) RequestWithdrawal(c *fiber.Ctx) error {
	var req withdrawalRequest
	if err := h.validator.Body(c, &req); err != nil {
		return err
	}
	w, err := h.withdrawals.RequestWithdrawal(c.UserContext(), settlement.WithdrawalRequest{
		WithdrawalID: req.WithdrawalID,
		OwnerID:      req.OwnerID,
		Asset:        asset.Code(req.Asset),
		Amount:       req.Amount,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(w)
}

// ApproveWithdrawal handles POST /withdrawals/:id/approve.
func (h *Handler) ApproveWithdrawal(c *fiber.Ctx) error {
	w, err := h.withdrawals.ApproveWithdrawal(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(w)
}

// RejectWithdrawal handles POST /withdrawals/:id/reject.
func (h *Handler) RejectWithdrawal(c *fiber.Ctx) error {
	w, err := h.withdrawals.RejectWithdrawal(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(w)
}
