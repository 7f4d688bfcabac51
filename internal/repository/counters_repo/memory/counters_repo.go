// Package memory is a map-backed counters store for tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"settlement/internal/domain"
	"settlement/internal/repository/counters_repo"
)

type Customer struct {
	TotalSpent       decimal.Decimal
	OrderCount       int
	LastPurchaseDate time.Time
	Status           string
}

type customerKey struct {
	merchantID string
	email      string
}

// CounterRepository only counts records that were registered first, so the
// not-found path behaves like the Postgres implementation.
type CounterRepository struct {
	mu        sync.Mutex
	links     map[string]int
	products  map[string]int
	customers map[customerKey]*Customer
}

func NewCounterRepository() *CounterRepository {
	return &CounterRepository{
		links:     make(map[string]int),
		products:  make(map[string]int),
		customers: make(map[customerKey]*Customer),
	}
}

func (r *CounterRepository) AddLink(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[id] = 0
}

func (r *CounterRepository) AddProduct(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[id] = 0
}

func (r *CounterRepository) AddCustomer(merchantID, email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customers[customerKey{merchantID, strings.ToLower(email)}] = &Customer{Status: "new"}
}

func (r *CounterRepository) LinkUsage(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[id]
}

func (r *CounterRepository) ProductPayments(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.products[id]
}

func (r *CounterRepository) Customer(merchantID, email string) (Customer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[customerKey{merchantID, strings.ToLower(email)}]
	if !ok {
		return Customer{}, false
	}
	return *c, true
}

func (r *CounterRepository) IncrementLinkUsage(_ context.Context, linkID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[linkID]; !ok {
		return fmt.Errorf("payment link %s: %w", linkID, domain.ErrRecordNotFound)
	}
	r.links[linkID]++
	return nil
}

func (r *CounterRepository) IncrementProductPayments(_ context.Context, productID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[productID]; !ok {
		return fmt.Errorf("product %s: %w", productID, domain.ErrRecordNotFound)
	}
	r.products[productID]++
	return nil
}

func (r *CounterRepository) RecordPurchase(_ context.Context, merchantID, email string, amount decimal.Decimal, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[customerKey{merchantID, strings.ToLower(email)}]
	if !ok {
		return fmt.Errorf("customer %s: %w", email, domain.ErrRecordNotFound)
	}
	c.TotalSpent = c.TotalSpent.Add(amount)
	c.OrderCount++
	c.LastPurchaseDate = at
	c.Status = counters_repo.CustomerStatusActive
	return nil
}
