package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talamala/bullion/internal/logging"
)

func setupTestApp(t *testing.T, handler fiber.Handler) (*fiber.App, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = cache.Close() })

	app := fiber.New()
	app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	app.Post("/resource", handler)
	app.Get("/resource", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	return app, mr
}

func post(key string) *http.Request {
	req := httptest.NewRequest(fiber.MethodPost, "/resource", strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	return req
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app, _ := setupTestApp(t, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })

	resp, err := app.Test(post(""))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/resource", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestIdempotencyExposesKeyAndClearsMarker(t *testing.T) {
	var mr *miniredis.Miniredis
	app, mr := setupTestApp(t, func(c *fiber.Ctx) error {
		if !assert.True(t, mr.Exists(inFlightPrefix+"abc123")) {
			return fiber.ErrInternalServerError
		}
		return c.Status(fiber.StatusCreated).SendString(IdempotencyKey(c))
	})

	resp, err := app.Test(post("abc123"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "abc123", string(body))
	assert.False(t, mr.Exists(inFlightPrefix+"abc123"))
}

func TestIdempotencyRejectsConcurrentDuplicate(t *testing.T) {
	app, mr := setupTestApp(t, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })
	require.NoError(t, mr.Set(inFlightPrefix+"busy", "1"))

	resp, err := app.Test(post("busy"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestIdempotencyDegradesWithoutRedis(t *testing.T) {
	app, mr := setupTestApp(t, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })
	mr.Close()

	resp, err := app.Test(post("k1"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
}
