package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/talamala/bullion/internal/funding"
)

// RegisterFundingRoutes wires payment gateway callbacks.
func RegisterFundingRoutes(r fiber.Router, h *funding.Handler) {
	r.Post("/payments/:gateway/callback", h.Callback)
}
