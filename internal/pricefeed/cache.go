package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"settlement/internal/domain"
)

// QuoteCache keeps the last known quote per asset pair. Entries are never
// judged for freshness here; the aggregator decides whether a quote is fresh
// or only usable as a stale fallback.
type QuoteCache interface {
	Get(ctx context.Context, pair domain.AssetPair) (domain.PriceQuote, bool)
	Set(ctx context.Context, pair domain.AssetPair, quote domain.PriceQuote)
}

type MemoryCache struct {
	mu     sync.RWMutex
	quotes map[domain.AssetPair]domain.PriceQuote
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{quotes: make(map[domain.AssetPair]domain.PriceQuote)}
}

func (c *MemoryCache) Get(_ context.Context, pair domain.AssetPair) (domain.PriceQuote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[pair]
	return q, ok
}

func (c *MemoryCache) Set(_ context.Context, pair domain.AssetPair, quote domain.PriceQuote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[pair] = quote
}

// RedisCache shares quotes between service instances. Redis failures degrade
// to cache misses.
type RedisCache struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	logger    *zap.Logger
}

func NewRedisCache(client *redis.Client, retention time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		client:    client,
		prefix:    "price_quote:",
		retention: retention,
		logger:    logger,
	}
}

func (c *RedisCache) key(pair domain.AssetPair) string {
	return c.prefix + pair.String()
}

func (c *RedisCache) Get(ctx context.Context, pair domain.AssetPair) (domain.PriceQuote, bool) {
	data, err := c.client.Get(ctx, c.key(pair)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Failed to read cached price quote", zap.String("pair", pair.String()), zap.Error(err))
		}
		return domain.PriceQuote{}, false
	}

	var q domain.PriceQuote
	if err := json.Unmarshal(data, &q); err != nil {
		c.logger.Warn("Discarding malformed cached price quote", zap.String("pair", pair.String()), zap.Error(err))
		return domain.PriceQuote{}, false
	}
	return q, true
}

func (c *RedisCache) Set(ctx context.Context, pair domain.AssetPair, quote domain.PriceQuote) {
	data, err := json.Marshal(quote)
	if err != nil {
		c.logger.Error("Failed to encode price quote", zap.String("pair", pair.String()), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.key(pair), data, c.retention).Err(); err != nil {
		c.logger.Warn("Failed to store price quote", zap.String("pair", pair.String()), zap.Error(fmt.Errorf("redis set: %w", err)))
	}
}
