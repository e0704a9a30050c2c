package middleware

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/talamala/bullion/internal/logging"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyKeyLocal  = "idempotency_key"
	inFlightPrefix       = "idempotency:v1:inflight:"
	maxKeyLength         = 200
)

// Idempotency requires an Idempotency-Key header on unsafe methods and, when
// Redis is available, rejects a second request with the same key while the
// first is still running. Replaying the finished result is the job of the
// settlement guard, which stores it with the effects.
func Idempotency(cache *redis.Client, lease time.Duration, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(idempotencyKeyHeader))
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		if len(key) > maxKeyLength {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key is too long")
		}
		c.Locals(idempotencyKeyLocal, key)

		if cache == nil {
			return c.Next()
		}

		log := logging.FromContext(c.UserContext(), logger)
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		marker := inFlightPrefix + key
		ok, err := cache.SetNX(ctx, marker, "1", lease).Result()
		if err != nil {
			log.Warn("idempotency in-flight marker unavailable", slog.String("key", key), slog.Any("error", err))
			return c.Next()
		}
		if !ok {
			return fiber.NewError(fiber.StatusConflict, "request with this Idempotency-Key is in progress")
		}
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := cache.Del(cleanupCtx, marker).Err(); err != nil {
				log.Warn("clear idempotency in-flight marker", slog.String("key", key), slog.Any("error", err))
			}
		}()

		return c.Next()
	}
}

// IdempotencyKey returns the key accepted by Idempotency.
func IdempotencyKey(c *fiber.Ctx) string {
	key, _ := c.Locals(idempotencyKeyLocal).(string)
	return key
}
