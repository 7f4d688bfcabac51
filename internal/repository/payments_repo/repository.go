package payments_repo

import (
	"context"
	"time"

	"settlement/internal/domain"
)

// PaymentRepository is the settlement view of the payment store. Payments are
// created elsewhere; this side only records submissions and status changes.
type PaymentRepository interface {
	// FindByID returns domain.ErrPaymentNotFound when the id is unknown.
	FindByID(ctx context.Context, id string) (*domain.Payment, error)
	// RecordSubmission stores the wallet-reported tx id on a pending payment.
	RecordSubmission(ctx context.Context, id, txID string) error
	// ApplyTransition persists p only if the stored status still equals from,
	// otherwise it returns domain.ErrConcurrentUpdate.
	ApplyTransition(ctx context.Context, p *domain.Payment, from domain.PaymentStatus) error
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*domain.Payment, error)
}
