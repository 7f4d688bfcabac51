package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"settlement/internal/domain"
	"settlement/internal/repository/webhooks_repo"
)

var _ webhooks_repo.EndpointRepository = (*EndpointRepository)(nil)

type EndpointRepository struct {
	db *sql.DB
}

func NewEndpointRepository(db *sql.DB) *EndpointRepository {
	return &EndpointRepository{db: db}
}

func (r *EndpointRepository) FindActiveByEvent(ctx context.Context, merchantID, event string) ([]domain.WebhookEndpoint, error) {
	query := `
		SELECT id, merchant_id, url, secret, events, active
		FROM webhook_endpoints
		WHERE merchant_id = $1 AND active = TRUE AND $2 = ANY(events)
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, merchantID, event)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook endpoints for merchant %s: %w", merchantID, err)
	}
	defer rows.Close()

	var endpoints []domain.WebhookEndpoint
	for rows.Next() {
		var ep domain.WebhookEndpoint
		if err := rows.Scan(&ep.ID, &ep.MerchantID, &ep.URL, &ep.Secret, pq.Array(&ep.Events), &ep.Active); err != nil {
			return nil, fmt.Errorf("failed to scan webhook endpoint: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook endpoints: %w", err)
	}
	return endpoints, nil
}
