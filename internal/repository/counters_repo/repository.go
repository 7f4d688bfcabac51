package counters_repo

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Each counter returns domain.ErrRecordNotFound when its target row does not exist.

type LinkCounter interface {
	IncrementLinkUsage(ctx context.Context, linkID string) error
}

type ProductCounter interface {
	IncrementProductPayments(ctx context.Context, productID string) error
}

type CustomerLedger interface {
	RecordPurchase(ctx context.Context, merchantID, email string, amount decimal.Decimal, at time.Time) error
}

const CustomerStatusActive = "active"
