package inventory

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/talamala/bullion/internal/validate"
)

// Handler exposes stock management: registering bars and placing them.
type Handler struct {
	manager   *Manager
	validator *validate.Validator
}

func NewHandler(m *Manager, v *validate.Validator) *Handler {
	return &Handler{manager: m, validator: v}
}

type registerDTO struct {
	Serial string `json:"serial" validate:"required,max=64"`
}

type assignDTO struct {
	ProductID  string `json:"product_id" validate:"required"`
	LocationID string `json:"location_id"`
}

// Register handles POST /units.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerDTO
	if err := h.validator.Body(c, &req); err != nil {
		return err
	}
	u, err := h.manager.Register(c.UserContext(), req.Serial)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(u)
}

// Assign handles POST /units/:serial/assign.
func (h *Handler) Assign(c *fiber.Ctx) error {
	var req assignDTO
	if err := h.validator.Body(c, &req); err != nil {
		return err
	}
	u, err := h.manager.Assign(c.UserContext(), c.Params("serial"), req.ProductID, req.LocationID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(u)
}

// Get handles GET /units/:serial.
func (h *Handler) Get(c *fiber.Ctx) error {
	u, err := h.manager.Get(c.UserContext(), c.Params("serial"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(u)
}
