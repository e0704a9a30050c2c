package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const cachePrefix = "idempotency:v1:result:"

// Cache keeps recently committed records in Redis so replays can be answered
// without opening a database transaction. The durable repository stays the
// source of truth; a miss or a Redis failure just falls through to it.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache returns nil when client is nil; a nil *Cache is a valid no-op.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil {
		return nil
	}
	return &Cache{client: client, ttl: ttl}
}

// Lookup returns the cached record for key; found is false on a miss.
func (c *Cache) Lookup(ctx context.Context, key string) (rec Record, found bool, err error) {
	if c == nil {
		return Record{}, false, nil
	}
	raw, err := c.client.Get(ctx, cachePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Remember stores rec for the configured ttl.
func (c *Cache) Remember(ctx context.Context, rec Record) error {
	if c == nil {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cachePrefix+rec.Key, payload, c.ttl).Err()
}
