package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"settlement/internal/domain"
	"settlement/internal/repository/counters_repo"
)

// CounterRepository implements the link, product and customer counters on
// the merchant tables.
type CounterRepository struct {
	db *sql.DB
}

func NewCounterRepository(db *sql.DB) *CounterRepository {
	return &CounterRepository{db: db}
}

func (r *CounterRepository) IncrementLinkUsage(ctx context.Context, linkID string) error {
	query := `
		UPDATE payment_links
		SET usage_count = usage_count + 1, updated_at = $1
		WHERE id = $2
	`
	res, err := r.db.ExecContext(ctx, query, time.Now(), linkID)
	if err != nil {
		return fmt.Errorf("failed to increment usage of payment link %s: %w", linkID, err)
	}
	return expectOne(res, "payment link", linkID)
}

func (r *CounterRepository) IncrementProductPayments(ctx context.Context, productID string) error {
	query := `
		UPDATE products
		SET payment_count = payment_count + 1, updated_at = $1
		WHERE id = $2
	`
	res, err := r.db.ExecContext(ctx, query, time.Now(), productID)
	if err != nil {
		return fmt.Errorf("failed to increment payments of product %s: %w", productID, err)
	}
	return expectOne(res, "product", productID)
}

func (r *CounterRepository) RecordPurchase(ctx context.Context, merchantID, email string, amount decimal.Decimal, at time.Time) error {
	query := `
		UPDATE customers
		SET total_spent = total_spent + $1,
		    order_count = order_count + 1,
		    last_purchase_date = $2,
		    status = $3,
		    updated_at = $2
		WHERE merchant_id = $4 AND lower(email) = $5
	`
	res, err := r.db.ExecContext(ctx, query, amount, at, counters_repo.CustomerStatusActive, merchantID, strings.ToLower(email))
	if err != nil {
		return fmt.Errorf("failed to record purchase for customer %s: %w", email, err)
	}
	return expectOne(res, "customer", email)
}

func expectOne(res sql.Result, kind, id string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for %s %s: %w", kind, id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrRecordNotFound)
	}
	return nil
}
