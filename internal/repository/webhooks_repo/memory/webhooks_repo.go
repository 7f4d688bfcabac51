// Package memory is an in-memory endpoint registry for tests.
package memory

import (
	"context"
	"slices"
	"sync"

	"settlement/internal/domain"
	"settlement/internal/repository/webhooks_repo"
)

var _ webhooks_repo.EndpointRepository = (*EndpointRepository)(nil)

type EndpointRepository struct {
	mu        sync.RWMutex
	endpoints []domain.WebhookEndpoint
}

func NewEndpointRepository(endpoints ...domain.WebhookEndpoint) *EndpointRepository {
	return &EndpointRepository{endpoints: slices.Clone(endpoints)}
}

func (r *EndpointRepository) Add(ep domain.WebhookEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = append(r.endpoints, ep)
}

func (r *EndpointRepository) FindActiveByEvent(_ context.Context, merchantID, event string) ([]domain.WebhookEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.WebhookEndpoint
	for _, ep := range r.endpoints {
		if ep.Active && ep.MerchantID == merchantID && ep.Subscribes(event) {
			out = append(out, ep)
		}
	}
	return out, nil
}
