package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c DBConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
}

func NewPostgresDB(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// ConnectWithRetry keeps trying NewPostgresDB until it succeeds, attempts run
// out or ctx is done.
func ConnectWithRetry(ctx context.Context, cfg DBConfig, attempts int, delay time.Duration, logger *zap.Logger) (*sql.DB, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		db, err := NewPostgresDB(ctx, cfg)
		if err == nil {
			logger.Info("Successfully connected to PostgreSQL database!")
			return db, nil
		}
		lastErr = err
		logger.Warn("Failed to connect to database, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("could not connect to database after %d attempts: %w", attempts, lastErr)
}
