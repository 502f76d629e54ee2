package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finboard/portfolio-engine/internal/currency"
	"github.com/finboard/portfolio-engine/internal/metrics"
)

// RedisCache wraps a primary Provider with a Redis read-through cache
// shared by every engine instance. Reads check Redis first then fall back
// to the primary; a Redis failure never fails the lookup.
type RedisCache struct {
	primary Provider
	rdb     *redis.Client
	ttl     time.Duration
}

// NewRedisCache creates a cached wrapper around a primary provider.
func NewRedisCache(primary Provider, rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (c *RedisCache) GetRates(ctx context.Context, base string) (currency.RateSnapshot, error) {
	// Try cache.
	data, err := c.rdb.Get(ctx, ratesKey(base)).Bytes()
	if err == nil {
		if s, ok := decodeSnapshot(data); ok {
			metrics.RateFetches.WithLabelValues("redis", "hit").Inc()
			return s, nil
		}
	}

	// Cache miss: read from primary.
	s, err := c.primary.GetRates(ctx, base)
	if err != nil {
		return currency.RateSnapshot{}, err
	}

	if data, err := json.Marshal(s); err == nil {
		c.rdb.Set(ctx, ratesKey(base), data, c.ttl)
	}
	return s, nil
}

func decodeSnapshot(data []byte) (currency.RateSnapshot, bool) {
	var s currency.RateSnapshot
	if json.Unmarshal(data, &s) != nil || s.Empty() {
		return currency.RateSnapshot{}, false
	}
	return s, true
}

func ratesKey(base string) string { return fmt.Sprintf("rates:%s", base) }
