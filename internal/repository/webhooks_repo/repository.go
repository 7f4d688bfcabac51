package webhooks_repo

import (
	"context"

	"settlement/internal/domain"
)

// EndpointRepository is read-only: endpoints are managed by merchants elsewhere.
type EndpointRepository interface {
	FindActiveByEvent(ctx context.Context, merchantID, event string) ([]domain.WebhookEndpoint, error)
}
