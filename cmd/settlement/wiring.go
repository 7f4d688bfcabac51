package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"settlement/internal/config"
	"settlement/internal/indexer"
	redis_infra "settlement/internal/infrastructure/redis"
	"settlement/internal/monitor"
	"settlement/internal/pricefeed"
	"settlement/internal/reconciler"
)

func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("error loading configuration: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unknown LOG_LEVEL %q, using info\n", level)
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapConfig.Level = lvl

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create zap logger: %w", err)
	}
	return logger, nil
}

// newPriceFeed shares quotes through Redis when REDIS_URL is set. The returned
// cleanup closes the Redis client.
func newPriceFeed(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pricefeed.Aggregator, func(), error) {
	var (
		cache   pricefeed.QuoteCache = pricefeed.NewMemoryCache()
		cleanup                      = func() {}
	)
	if cfg.RedisURL != "" {
		client, err := redis_infra.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		cache = pricefeed.NewRedisCache(client, cfg.Price.CacheRetention, logger.With(zap.String("component", "PriceCache")))
		cleanup = func() {
			if err := client.Close(); err != nil {
				logger.Error("Error closing Redis client", zap.Error(err))
			}
		}
		logger.Info("Price quotes cached in Redis.")
	}

	sources, err := priceSources(cfg.Price)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	agg := pricefeed.NewAggregator(pricefeed.Config{
		Enabled:       cfg.Price.Enabled,
		Override:      cfg.Price.Override,
		TTL:           cfg.Price.CacheTTL,
		SourceTimeout: cfg.Price.SourceTimeout,
	}, cache, sources, logger.With(zap.String("component", "PriceFeed")))
	return agg, cleanup, nil
}

func priceSources(cfg config.PriceConfig) ([]pricefeed.Source, error) {
	client := &http.Client{Timeout: cfg.SourceTimeout}
	var sources []pricefeed.Source
	for _, name := range cfg.Sources {
		switch strings.ToLower(name) {
		case "coingecko":
			sources = append(sources, pricefeed.NewCoinGecko(cfg.CoinGeckoURL, client))
		case "binance":
			sources = append(sources, pricefeed.NewBinance(cfg.BinanceURL, client))
		case "kraken":
			sources = append(sources, pricefeed.NewKraken(cfg.KrakenURL, client))
		default:
			return nil, fmt.Errorf("unknown price source %q", name)
		}
	}
	return sources, nil
}

// newWatchers builds one confirmation monitor per configured network.
func newWatchers(cfg *config.Config, logger *zap.Logger) map[string]reconciler.Watcher {
	watchers := make(map[string]reconciler.Watcher, len(cfg.IndexerURLs))
	for network, url := range cfg.IndexerURLs {
		if url == "" {
			continue
		}
		log := logger.With(zap.String("network", network))
		client := indexer.NewClient(url, cfg.IndexerTimeout, log.With(zap.String("component", "IndexerClient")))

		var resolver monitor.TxResolver
		if cfg.Monitor.RecoveryContractID != "" {
			resolver = indexer.NewResolver(client, cfg.Monitor.RecoveryWindow, log.With(zap.String("component", "TxResolver")))
		}

		watchers[network] = monitor.New(client, resolver, monitor.Config{
			MaxAttempts: cfg.Monitor.MaxAttempts,
			Interval:    cfg.Monitor.Interval,
		}, log.With(zap.String("component", "ConfirmationMonitor")))
	}
	return watchers
}
