package ingest

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper suppresses redelivered bus events by event id.
type Deduper interface {
	// Seen marks the event id as processed and reports whether it had been
	// processed before.
	Seen(ctx context.Context, eventID string) bool
}

// RedisDeduper implements Deduper with SETNX and a TTL. When Redis is
// unreachable it reports not-seen, so ingest proceeds without dedupe rather
// than stalling.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisDeduper creates a deduper with the given retention window.
func NewRedisDeduper(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl, logger: logger.Named("dedupe")}
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) bool {
	ok, err := d.client.SetNX(ctx, "events:processed:"+eventID, "1", d.ttl).Result()
	if err != nil {
		d.logger.Debug("dedupe unavailable, proceeding", zap.Error(err))
		return false
	}
	return !ok
}

// NopDeduper never suppresses anything.
type NopDeduper struct{}

func (NopDeduper) Seen(context.Context, string) bool { return false }
