package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/metrics"
)

// Cached serves recent prices from Redis and refreshes them from next.
// Each instrument is a hash at "price:{instrument}" with fields "price" and
// "ts" (Unix nanoseconds). Entries older than maxAge are ignored.
type Cached struct {
	next   Oracle
	rdb    *redis.Client
	maxAge time.Duration
	log    *slog.Logger
}

// NewCached wraps next with a Redis price cache.
func NewCached(next Oracle, rdb *redis.Client, maxAge time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, rdb: rdb, maxAge: maxAge, log: logger.With(slog.String("component", "price_cache"))}
}

func priceKey(instrument string) string {
	return "price:" + instrument
}

func (c *Cached) Price(ctx context.Context, instrument string) (decimal.Decimal, error) {
	if p, ts, ok := c.get(ctx, instrument); ok && time.Since(ts) <= c.maxAge {
		metrics.OracleCacheHits.Inc()
		return p, nil
	}

	p, err := c.next.Price(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.set(ctx, instrument, p, time.Now()); err != nil {
		c.log.Warn("price cache write failed", "instrument", instrument, "err", err)
	}
	return p, nil
}

func (c *Cached) get(ctx context.Context, instrument string) (decimal.Decimal, time.Time, bool) {
	vals, err := c.rdb.HGetAll(ctx, priceKey(instrument)).Result()
	if err != nil || len(vals) == 0 {
		return decimal.Zero, time.Time{}, false
	}
	price, err := decimal.NewFromString(vals["price"])
	if err != nil {
		return decimal.Zero, time.Time{}, false
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, false
	}
	return price, time.Unix(0, tsNano), true
}

func (c *Cached) set(ctx context.Context, instrument string, price decimal.Decimal, ts time.Time) error {
	key := priceKey(instrument)
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, c.maxAge*4)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", instrument, err)
	}
	return nil
}
