package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/talamala/bullion/internal/wallet"
)

// RegisterWalletRoutes wires balance, history and withdrawal endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Get("/accounts/:ownerId/:asset", h.Balance)
	r.Get("/accounts/:ownerId/:asset/entries", h.Entries)
	r.Get("/accounts/:ownerId/:asset/reconcile", h.Reconcile)
	r.Post("/withdrawals", h.RequestWithdrawal)
	r.Post("/withdrawals/:id/approve", h.ApproveWithdrawal)
	r.Post("/withdrawals/:id/reject", h.RejectWithdrawal)
}
