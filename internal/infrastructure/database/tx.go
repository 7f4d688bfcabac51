package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"settlement/internal/domain"
)

type Transactor struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewTransactor(db *sql.DB, logger *zap.Logger) *Transactor {
	return &Transactor{db: db, logger: logger}
}

// WithinTx runs fn in a transaction. It commits when fn returns nil and rolls
// back on an error or a panic.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context, q domain.Querier) error) (err error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("Recovered panic in transaction, rolling back", zap.Any("panic", rec))
			tx.Rollback()
			panic(rec)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				t.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
