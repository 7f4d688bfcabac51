// Package memory is a map-backed payments store for tests. It keeps the
// conditional-write contract of the postgres repository.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"settlement/internal/domain"
)

// PaymentRepository keeps payments in process memory. It honours the same
// conditional-write contract as the Postgres repository.
type PaymentRepository struct {
	mu       sync.RWMutex
	payments map[string]*domain.Payment
	writes   int
}

func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{payments: make(map[string]*domain.Payment)}
}

// Put inserts or replaces a payment.
func (r *PaymentRepository) Put(p *domain.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.ID] = p.Clone()
}

// Transitions counts successful ApplyTransition calls.
func (r *PaymentRepository) Transitions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writes
}

func (r *PaymentRepository) FindByID(_ context.Context, id string) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (r *PaymentRepository) RecordSubmission(_ context.Context, id, txID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	if p.Status != domain.PaymentStatusPending {
		return domain.ErrConcurrentUpdate
	}
	p.SubmittedTxID = txID
	p.UpdatedAt = time.Now()
	return nil
}

func (r *PaymentRepository) ApplyTransition(_ context.Context, p *domain.Payment, from domain.PaymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.payments[p.ID]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	if stored.Status != from {
		return domain.ErrConcurrentUpdate
	}
	r.payments[p.ID] = p.Clone()
	r.writes++
	return nil
}

func (r *PaymentRepository) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Payment
	for _, p := range r.payments {
		if p.Status == domain.PaymentStatusPending && p.IsExpired(now) {
			out = append(out, p.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Payment) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
