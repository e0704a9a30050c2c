package httperr_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/httperr"
	"github.com/talamala/bullion/internal/idempotency"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/settlement"
	"github.com/talamala/bullion/internal/validate"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&ledger.BalanceError{Err: ledger.ErrInsufficientFunds}, http.StatusUnprocessableEntity},
		{fmt.Errorf("trade t: %w", ledger.ErrInsufficientHold), http.StatusUnprocessableEntity},
		{&inventory.UnitError{Serial: "S", Err: inventory.ErrNotAvailable}, http.StatusConflict},
		{&idempotency.ConflictError{Key: "k"}, http.StatusConflict},
		{settlement.ErrWrongLocation, http.StatusConflict},
		{fmt.Errorf("%w: order o-1 is paid", settlement.ErrCheckoutResolved), http.StatusConflict},
		{fmt.Errorf("%w: order o-1 buyer differs", settlement.ErrCheckoutMismatch), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: o-1", settlement.ErrCheckoutNotFound), http.StatusNotFound},
		{settlement.ErrOrderExists, http.StatusConflict},
		{&inventory.UnitError{Err: inventory.ErrReservationExpired}, http.StatusGone},
		{&inventory.UnitError{Token: "t", Err: inventory.ErrReservationNotFound}, http.StatusNotFound},
		{conflict.Wrap(errors.New("40001")), http.StatusServiceUnavailable},
		{&validate.Error{Details: map[string]string{"A": "x"}}, http.StatusBadRequest},
		{fiber.NewError(http.StatusTeapot, "tea"), http.StatusTeapot},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := httperr.Status(tt.err)
		assert.Equal(t, tt.status, got, tt.err.Error())
	}
}

func TestHandlerHidesInternalErrors(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: httperr.Handler(logging.Discard())})
	app.Get("/boom", func(c *fiber.Ctx) error { return errors.New("db password leaked") })
	app.Get("/gone", func(c *fiber.Ctx) error {
		return &inventory.UnitError{Serial: "S1", Err: inventory.ErrReservationExpired}
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body httperr.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Internal Server Error", body.Error)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/gone", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "reservation_expired", body.Code)
}
