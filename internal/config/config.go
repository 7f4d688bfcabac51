package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type KafkaConfig struct {
	Enabled           bool
	BrokerURL         string
	ConfirmationTopic string
	StatusTopic       string
	ConsumerGroup     string
}

type MonitorConfig struct {
	MaxAttempts        int
	Interval           time.Duration
	Concurrency        int
	TimeoutPolicy      string
	RecoveryContractID string
	RecoveryFunction   string
	RecoveryWindow     time.Duration
}

type PriceConfig struct {
	Enabled        bool
	Override       decimal.Decimal
	CacheTTL       time.Duration
	CacheRetention time.Duration
	SourceTimeout  time.Duration
	Sources        []string
	CoinGeckoURL   string
	BinanceURL     string
	KrakenURL      string
}

type Config struct {
	HTTPPort           int
	CORSAllowedOrigins []string
	LogLevel           string

	DB             DBConfig
	MigrationsPath string
	RedisURL       string

	Kafka              KafkaConfig
	OutboxPollInterval time.Duration
	OutboxPollTimeout  time.Duration

	// IndexerURLs maps a payment network to its indexer API root.
	IndexerURLs    map[string]string
	IndexerTimeout time.Duration

	Monitor MonitorConfig
	Price   PriceConfig

	WebhookTimeout      time.Duration
	ExpirySweepInterval time.Duration
}

// LoadConfig reads the environment, after loading a .env file from the working
// directory when one exists.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}

	cfg.HTTPPort = getEnvAsInt("HTTP_PORT", 8082)
	cfg.CORSAllowedOrigins = getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"})
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DB.Host = getEnvOrDefault("SETTLEMENT_DB_HOST", "localhost")
	cfg.DB.Port = getEnvAsInt("SETTLEMENT_DB_PORT", 5432)
	cfg.DB.User = getEnvOrDefault("SETTLEMENT_DB_USER", "user")
	cfg.DB.Password = getEnvOrDefault("SETTLEMENT_DB_PASSWORD", "password")
	cfg.DB.Name = getEnvOrDefault("SETTLEMENT_DB_NAME", "settlement_db")
	cfg.DB.SSLMode = getEnvOrDefault("SETTLEMENT_DB_SSLMODE", "disable")
	cfg.MigrationsPath = getEnvOrDefault("MIGRATIONS_PATH", "file://migrations")
	cfg.RedisURL = getEnvOrDefault("REDIS_URL", "")

	cfg.Kafka.Enabled = getEnvAsBool("KAFKA_ENABLED", true)
	cfg.Kafka.BrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")
	cfg.Kafka.ConfirmationTopic = getEnvOrDefault("KAFKA_CONFIRMATION_TOPIC", "payment_confirmations")
	cfg.Kafka.StatusTopic = getEnvOrDefault("KAFKA_PAYMENT_STATUS_TOPIC", "payment_status_updates")
	cfg.Kafka.ConsumerGroup = getEnvOrDefault("KAFKA_CONSUMER_GROUP", "settlement-service-group")
	cfg.OutboxPollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", 1*time.Second)
	cfg.OutboxPollTimeout = getEnvAsDuration("OUTBOX_POLL_TIMEOUT", 500*time.Millisecond)

	cfg.IndexerURLs = map[string]string{
		"mainnet": getEnvOrDefault("INDEXER_URL_MAINNET", "https://api.hiro.so/extended/v1"),
		"testnet": getEnvOrDefault("INDEXER_URL_TESTNET", "https://api.testnet.hiro.so/extended/v1"),
	}
	cfg.IndexerTimeout = getEnvAsDuration("INDEXER_TIMEOUT", 10*time.Second)

	cfg.Monitor.MaxAttempts = getEnvAsInt("MONITOR_MAX_ATTEMPTS", 30)
	cfg.Monitor.Interval = getEnvAsDuration("MONITOR_INTERVAL", 10*time.Second)
	cfg.Monitor.Concurrency = getEnvAsInt("MONITOR_CONCURRENCY", 64)
	cfg.Monitor.TimeoutPolicy = strings.ToLower(getEnvOrDefault("MONITOR_TIMEOUT_POLICY", "fail"))
	cfg.Monitor.RecoveryContractID = getEnvOrDefault("RECOVERY_CONTRACT_ID", "")
	cfg.Monitor.RecoveryFunction = getEnvOrDefault("RECOVERY_FUNCTION", "")
	cfg.Monitor.RecoveryWindow = getEnvAsDuration("RECOVERY_WINDOW", 10*time.Minute)

	cfg.Price.Enabled = getEnvAsBool("PRICE_FEED_ENABLED", true)
	cfg.Price.CacheTTL = getEnvAsDuration("PRICE_CACHE_TTL", 60*time.Second)
	cfg.Price.CacheRetention = getEnvAsDuration("PRICE_CACHE_RETENTION", 24*time.Hour)
	cfg.Price.SourceTimeout = getEnvAsDuration("PRICE_SOURCE_TIMEOUT", 5*time.Second)
	cfg.Price.Sources = getEnvAsList("PRICE_SOURCES", []string{"coingecko", "binance", "kraken"})
	cfg.Price.CoinGeckoURL = getEnvOrDefault("COINGECKO_URL", "https://api.coingecko.com/api/v3")
	cfg.Price.BinanceURL = getEnvOrDefault("BINANCE_URL", "https://api.binance.com")
	cfg.Price.KrakenURL = getEnvOrDefault("KRAKEN_URL", "https://api.kraken.com")
	if raw := getEnvOrDefault("PRICE_OVERRIDE", ""); raw != "" {
		override, err := decimal.NewFromString(raw)
		if err != nil || !override.IsPositive() {
			return nil, fmt.Errorf("PRICE_OVERRIDE must be a positive decimal, got %q", raw)
		}
		cfg.Price.Override = override
	}

	cfg.WebhookTimeout = getEnvAsDuration("WEBHOOK_TIMEOUT", 5*time.Second)
	cfg.ExpirySweepInterval = getEnvAsDuration("EXPIRY_SWEEP_INTERVAL", time.Minute)

	for key, d := range map[string]time.Duration{
		"EXPIRY_SWEEP_INTERVAL": cfg.ExpirySweepInterval,
		"MONITOR_INTERVAL":      cfg.Monitor.Interval,
		"OUTBOX_POLL_INTERVAL":  cfg.OutboxPollInterval,
		"PRICE_CACHE_TTL":       cfg.Price.CacheTTL,
		"PRICE_SOURCE_TIMEOUT":  cfg.Price.SourceTimeout,
		"WEBHOOK_TIMEOUT":       cfg.WebhookTimeout,
		"INDEXER_TIMEOUT":       cfg.IndexerTimeout,
	} {
		if d <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration, got %s", key, d)
		}
	}

	switch cfg.Monitor.TimeoutPolicy {
	case "fail", "pending":
	default:
		return nil, fmt.Errorf("MONITOR_TIMEOUT_POLICY must be fail or pending, got %q", cfg.Monitor.TimeoutPolicy)
	}

	return cfg, nil
}

func (c *Config) GetKafkaBrokers() []string {
	return splitList(c.Kafka.BrokerURL)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnvOrDefault(key, strconv.FormatBool(defaultValue))
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return splitList(value)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
