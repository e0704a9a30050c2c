package funding

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/talamala/bullion/internal/validate"
)

// Handler exposes the gateway callback endpoint.
type Handler struct {
	service   *Service
	validator *validate.Validator
}

// NewHandler constructs a funding handler.
func NewHandler(service *Service, v *validate.Validator) *Handler {
	return &Handler{service: service, validator: v}
}

// Callback handles POST /payments/:gateway/callback.
func (h *Handler) Callback(c *fiber.Ctx) error {
	var req CallbackRequest
	if err := h.validator.Body(c, &req); err != nil {
		return err
	}

	result, err := h.service.HandleCallback(c.UserContext(), req.toCallback(c.Params("gateway")))
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownGateway):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, ErrInvalidSignature):
			return fiber.NewError(http.StatusUnauthorized, err.Error())
		case errors.Is(err, ErrUnknownPurpose):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		default:
			return err
		}
	}
	return c.Status(http.StatusOK).JSON(result)
}
