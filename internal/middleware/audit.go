package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/metrics"
)

// Audit logs each request and records its latency. Errors returned by
// handlers are resolved through the app's error handler first so the logged
// status is the one the client sees.
func Audit(logger *slog.Logger, m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		duration := time.Since(start)
		m.ObserveRequest(c.Method(), c.Route().Path, status, duration)

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("duration", duration),
		}
		log := logging.FromContext(c.UserContext(), logger)
		switch {
		case status >= fiber.StatusInternalServerError:
			log.Error("request completed", append(attrs, slog.Any("error", err))...)
		case err != nil:
			log.Warn("request completed", append(attrs, slog.Any("error", err))...)
		default:
			log.Info("request completed", attrs...)
		}
		return nil
	}
}
