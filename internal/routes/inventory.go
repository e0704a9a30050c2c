package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/talamala/bullion/internal/inventory"
)

// RegisterInventoryRoutes wires stock management.
func RegisterInventoryRoutes(r fiber.Router, h *inventory.Handler) {
	r.Post("/units", h.Register)
	r.Get("/units/:serial", h.Get)
	r.Post("/units/:serial/assign", h.Assign)
}
