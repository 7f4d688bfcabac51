package pricefeed

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlement/internal/domain"
)

type Config struct {
	Enabled       bool
	Override      decimal.Decimal
	TTL           time.Duration
	SourceTimeout time.Duration
}

// Aggregator computes a consensus spot price from independent sources.
// Price is advisory: GetPrice never fails, it degrades to the last known
// quote and finally to zero.
type Aggregator struct {
	sources       []Source
	cache         QuoteCache
	enabled       bool
	ttl           time.Duration
	sourceTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time

	overrideMu sync.RWMutex
	override   decimal.Decimal
}

func NewAggregator(cfg Config, cache QuoteCache, sources []Source, logger *zap.Logger) *Aggregator {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 5 * time.Second
	}
	return &Aggregator{
		sources:       sources,
		cache:         cache,
		enabled:       cfg.Enabled,
		ttl:           cfg.TTL,
		sourceTimeout: cfg.SourceTimeout,
		logger:        logger,
		now:           time.Now,
		override:      cfg.Override,
	}
}

// WithClock replaces the time source. Intended for tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// SetOverride installs an operator price. A zero or negative value clears it.
func (a *Aggregator) SetOverride(price decimal.Decimal) {
	a.overrideMu.Lock()
	defer a.overrideMu.Unlock()
	a.override = price
}

func (a *Aggregator) currentOverride() decimal.Decimal {
	a.overrideMu.RLock()
	defer a.overrideMu.RUnlock()
	return a.override
}

func (a *Aggregator) GetPrice(ctx context.Context, pair domain.AssetPair) decimal.Decimal {
	return a.Quote(ctx, pair).Price
}

func (a *Aggregator) Quote(ctx context.Context, pair domain.AssetPair) domain.PriceQuote {
	now := a.now()

	if override := a.currentOverride(); override.IsPositive() {
		q := domain.PriceQuote{Price: override, ObservedAt: now, Source: domain.QuoteSourceOverride}
		a.cache.Set(ctx, pair, q)
		return q
	}

	if !a.enabled {
		return domain.PriceQuote{Price: decimal.Zero, ObservedAt: now, Source: domain.QuoteSourceDisabled}
	}

	cached, hasCached := a.cache.Get(ctx, pair)
	if hasCached && cached.FreshAt(now, a.ttl) {
		cached.Source = domain.QuoteSourceCache
		return cached
	}

	observations := a.collect(ctx, pair)
	if len(observations) == 0 {
		if hasCached {
			a.logger.Warn("All price sources failed, serving stale quote",
				zap.String("pair", pair.String()),
				zap.Time("observed_at", cached.ObservedAt))
			cached.Source = domain.QuoteSourceStale
			return cached
		}
		a.logger.Warn("All price sources failed and no cached quote exists", zap.String("pair", pair.String()))
		return domain.PriceQuote{Price: decimal.Zero, ObservedAt: now, Source: domain.QuoteSourceUnavailable}
	}

	q := domain.PriceQuote{Price: Median(observations), ObservedAt: now, Source: domain.QuoteSourceLive}
	a.cache.Set(ctx, pair, q)
	a.logger.Debug("Price quote refreshed",
		zap.String("pair", pair.String()),
		zap.String("price", q.Price.String()),
		zap.Int("sources", len(observations)))
	return q
}

func (a *Aggregator) collect(ctx context.Context, pair domain.AssetPair) []decimal.Decimal {
	results := make([]*decimal.Decimal, len(a.sources))

	var wg sync.WaitGroup
	for i, src := range a.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			price, err := a.fetch(ctx, src, pair)
			if err != nil {
				a.logger.Warn("Price source failed",
					zap.String("source", src.Name()),
					zap.String("pair", pair.String()),
					zap.Error(err))
				return
			}
			results[i] = &price
		}()
	}
	wg.Wait()

	observations := make([]decimal.Decimal, 0, len(results))
	for _, r := range results {
		if r != nil {
			observations = append(observations, *r)
		}
	}
	return observations
}

func (a *Aggregator) fetch(ctx context.Context, src Source, pair domain.AssetPair) (price decimal.Decimal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panicked: %v", r)
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, a.sourceTimeout)
	defer cancel()

	price, err = src.Fetch(fetchCtx, pair)
	if err != nil {
		return decimal.Zero, err
	}
	return positive(price)
}

// Median returns the lower median: element floor((n-1)/2) of the ascending
// observations. It returns zero for an empty slice.
func Median(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := slices.Clone(values)
	slices.SortFunc(sorted, func(a, b decimal.Decimal) int { return a.Cmp(b) })
	return sorted[(len(sorted)-1)/2]
}
