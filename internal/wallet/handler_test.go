package wallet_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/httperr"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/settlement"
	"github.com/talamala/bullion/internal/store/memory"
	"github.com/talamala/bullion/internal/validate"
	"github.com/talamala/bullion/internal/wallet"
)

func setup(t *testing.T) (*fiber.App, *ledger.Service) {
	t.Helper()
	backend := memory.New()
	ledgerSvc := ledger.NewService(backend, logging.Discard(), nil)
	orchestrator := settlement.NewService(backend, settlement.Config{}, settlement.WithLogger(logging.Discard()))
	h := wallet.NewHandler(ledgerSvc, orchestrator, validate.New())

	app := fiber.New(fiber.Config{ErrorHandler: httperr.Handler(logging.Discard())})
	app.Get("/accounts/:ownerId/:asset", h.Balance)
	app.Get("/accounts/:ownerId/:asset/entries", h.Entries)
	app.Get("/accounts/:ownerId/:asset/reconcile", h.Reconcile)
	app.Post("/withdrawals", h.RequestWithdrawal)
	app.Post("/withdrawals/:id/approve", h.ApproveWithdrawal)
	app.Post("/withdrawals/:id/reject", h.RejectWithdrawal)
	return app, ledgerSvc
}

func do(t *testing.T, app *fiber.App, method, path, body string, out any) int {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestBalanceView(t *testing.T) {
	app, ledgerSvc := setup(t)
	_, err := ledgerSvc.Post(context.Background(), ledger.Batch{Key: "seed", Postings: []ledger.Posting{
		{OwnerID: "u1", Asset: asset.XAU, Kind: ledger.KindDeposit, Amount: 12500},
		{OwnerID: "u1", Asset: asset.XAU, Kind: ledger.KindCredit, Amount: 500},
		{OwnerID: "u1", Asset: asset.XAU, Kind: ledger.KindHold, Amount: 2000},
	}})
	require.NoError(t, err)

	var view wallet.BalanceView
	require.Equal(t, http.StatusOK, do(t, app, http.MethodGet, "/accounts/u1/XAU_MG", "", &view))
	assert.Equal(t, int64(13000), view.Balance)
	assert.Equal(t, int64(11000), view.Available)
	assert.Equal(t, int64(10500), view.Withdrawable)
	assert.Equal(t, "13.000 g", view.Display)

	assert.Equal(t, http.StatusBadRequest, do(t, app, http.MethodGet, "/accounts/u1/EUR", "", nil))

	var rec ledger.Reconciliation
	require.Equal(t, http.StatusOK, do(t, app, http.MethodGet, "/accounts/u1/XAU_MG/reconcile", "", &rec))
	assert.True(t, rec.Consistent)
	assert.Equal(t, 3, rec.Entries)

	var page struct {
		Entries []ledger.Entry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, do(t, app, http.MethodGet, "/accounts/u1/XAU_MG/entries?limit=2", "", &page))
	require.Len(t, page.Entries, 2)
	assert.Equal(t, ledger.KindHold, page.Entries[0].Kind)
}

func TestWithdrawalEndpoints(t *testing.T) {
	app, ledgerSvc := setup(t)
	_, err := ledgerSvc.Post(context.Background(), ledger.Batch{Key: "seed", Postings: []ledger.Posting{
		{OwnerID: "u1", Asset: asset.IRR, Kind: ledger.KindDeposit, Amount: 1000},
	}})
	require.NoError(t, err)

	var w settlement.Withdrawal
	require.Equal(t, http.StatusAccepted, do(t, app, http.MethodPost, "/withdrawals",
		`{"withdrawal_id":"w1","owner_id":"u1","amount":600}`, &w))
	assert.Equal(t, settlement.WithdrawalPending, w.Status)

	var body httperr.Response
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, app, http.MethodPost, "/withdrawals",
		`{"withdrawal_id":"w2","owner_id":"u1","amount":600}`, &body))
	assert.Equal(t, "insufficient_funds", body.Code)

	assert.Equal(t, http.StatusBadRequest, do(t, app, http.MethodPost, "/withdrawals", `{"owner_id":"u1"}`, nil))

	require.Equal(t, http.StatusOK, do(t, app, http.MethodPost, "/withdrawals/w1/approve", "", &w))
	assert.Equal(t, int64(400), w.Account.Balance)

	assert.Equal(t, http.StatusConflict, do(t, app, http.MethodPost, "/withdrawals/w1/reject", "", nil))
	assert.Equal(t, http.StatusNotFound, do(t, app, http.MethodPost, "/withdrawals/nope/approve", "", nil))
}
