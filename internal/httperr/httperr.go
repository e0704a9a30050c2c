// Package httperr maps domain errors onto HTTP responses.
package httperr

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/idempotency"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/settlement"
	"github.com/talamala/bullion/internal/validate"
)

// Response is the JSON error body.
type Response struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

type mapping struct {
	target error
	status int
	code   string
}

var mappings = []mapping{
	{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{ledger.ErrInsufficientHold, http.StatusUnprocessableEntity, "insufficient_hold"},
	{ledger.ErrInvalidAmount, http.StatusUnprocessableEntity, "invalid_amount"},
	{ledger.ErrMissingKey, http.StatusBadRequest, "missing_key"},
	{ledger.ErrEmptyBatch, http.StatusBadRequest, "empty_batch"},
	{ledger.ErrInvalidKind, http.StatusBadRequest, "invalid_kind"},
	{asset.ErrUnknown, http.StatusBadRequest, "unknown_asset"},
	{settlement.ErrInvalidRequest, http.StatusUnprocessableEntity, "invalid_request"},
	{inventory.ErrInvalidSelector, http.StatusBadRequest, "invalid_selector"},
	{inventory.ErrInvalidTTL, http.StatusBadRequest, "invalid_ttl"},
	{idempotency.ErrMissingKey, http.StatusBadRequest, "missing_idempotency_key"},
	{inventory.ErrNotAvailable, http.StatusConflict, "not_available"},
	{inventory.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{inventory.ErrDuplicateSerial, http.StatusConflict, "duplicate_serial"},
	{idempotency.ErrConflict, http.StatusConflict, "idempotency_conflict"},
	{settlement.ErrWrongLocation, http.StatusConflict, "wrong_location"},
	{settlement.ErrWithdrawalResolved, http.StatusConflict, "withdrawal_resolved"},
	{settlement.ErrOrderExists, http.StatusConflict, "order_exists"},
	{settlement.ErrCheckoutResolved, http.StatusConflict, "checkout_resolved"},
	{settlement.ErrCheckoutMismatch, http.StatusUnprocessableEntity, "checkout_mismatch"},
	{inventory.ErrReservationExpired, http.StatusGone, "reservation_expired"},
	{inventory.ErrReservationNotFound, http.StatusNotFound, "reservation_not_found"},
	{inventory.ErrUnitNotFound, http.StatusNotFound, "unit_not_found"},
	{settlement.ErrWithdrawalNotFound, http.StatusNotFound, "withdrawal_not_found"},
	{settlement.ErrCheckoutNotFound, http.StatusNotFound, "checkout_not_found"},
	{conflict.ErrStorageConflict, http.StatusServiceUnavailable, "storage_conflict"},
}

// Status resolves err to an HTTP status and a stable error code.
func Status(err error) (int, string) {
	var verr *validate.Error
	if errors.As(err, &verr) {
		return http.StatusBadRequest, "validation_failed"
	}
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	var ferr *fiber.Error
	if errors.As(err, &ferr) {
		return ferr.Code, "http_error"
	}
	return http.StatusInternalServerError, "internal"
}

// Handler is a fiber.ErrorHandler. Internal errors are logged and hidden.
func Handler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status, code := Status(err)
		body := Response{Error: err.Error(), Code: code}

		var verr *validate.Error
		if errors.As(err, &verr) {
			body.Details = verr.Details
		}
		if status >= http.StatusInternalServerError {
			logging.FromContext(c.UserContext(), logger).Error("request failed",
				slog.String("path", c.Path()),
				slog.Any("error", err),
			)
			if status == http.StatusInternalServerError {
				body.Error = http.StatusText(status)
			}
		}
		return c.Status(status).JSON(body)
	}
}
