package middleware

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/metrics"
)

func TestRequestIDPropagates(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID(logging.Discard()))
	app.Get("/", func(c *fiber.Ctx) error {
		assert.NotSame(t, slog.Default(), logging.FromContext(c.UserContext(), slog.Default()))
		return c.SendString(RequestIDFrom(c))
	})

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-42")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.Header.Get(requestIDHeader))

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestAuditRecordsResolvedStatus(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	app := fiber.New()
	app.Use(Audit(logging.Discard(), m))
	app.Get("/units/:serial", func(c *fiber.Ctx) error { return fiber.ErrNotFound })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/units/S1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/units/:serial", "404")))
}
