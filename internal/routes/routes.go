package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/talamala/bullion/internal/config"
	"github.com/talamala/bullion/internal/funding"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/metrics"
	"github.com/talamala/bullion/internal/middleware"
	"github.com/talamala/bullion/internal/settlement"
	"github.com/talamala/bullion/internal/store"
	"github.com/talamala/bullion/internal/wallet"
)

// inFlightLease bounds how long a crashed request can block its key.
const inFlightLease = 30 * time.Second

// Deps aggregates what the routes need.
type Deps struct {
	Cfg      config.Config
	Backend  store.Backend
	Cache    *redis.Client
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	Wallet     *wallet.Handler
	Inventory  *inventory.Handler
	Settlement *settlement.Handler
	Funding    *funding.Handler
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	app.Use(recover.New())
	app.Use(middleware.RequestID(d.Logger))
	app.Use(middleware.Audit(d.Logger, d.Metrics))

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(d.Registry)))

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api, d.Wallet)
	RegisterInventoryRoutes(api, d.Inventory)
	RegisterFundingRoutes(api, d.Funding)

	// client-keyed flows
	keyed := middleware.Idempotency(d.Cache, inFlightLease, d.Logger)
	RegisterSettlementRoutes(api, d.Settlement, keyed)
}
