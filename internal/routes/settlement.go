package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/talamala/bullion/internal/settlement"
)

// RegisterSettlementRoutes wires the orchestrated flows.
func RegisterSettlementRoutes(r fiber.Router, h *settlement.Handler, keyed fiber.Handler) {
	r.Post("/checkouts", keyed, h.StartCheckout)
	r.Post("/checkouts/:orderId/settle", keyed, h.SettleCheckout)
	r.Post("/pos/reservations", keyed, h.ReservePOS)
	r.Post("/pos/reservations/:token/confirm", keyed, h.ConfirmPOSSale)
	r.Delete("/pos/reservations/:token", keyed, h.CancelPOS)
	r.Post("/buybacks", keyed, h.Buyback)
	r.Post("/trades", keyed, h.Trade)
}
