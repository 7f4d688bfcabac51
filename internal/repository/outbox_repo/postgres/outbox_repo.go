package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"settlement/internal/domain"
)

type OutboxRepository struct{}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{}
}

func (r *OutboxRepository) CreateMessageTx(ctx context.Context, querier domain.Querier, msg *domain.OutboxMessage) error {
	query := `
		INSERT INTO outbox_messages (id, aggregate_id, message_type, topic, key_value, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := querier.ExecContext(ctx, query,
		msg.ID,
		msg.AggregateID,
		msg.MessageType,
		msg.Topic,
		msg.Key,
		msg.Payload,
		msg.Status,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox message: %w", err)
	}
	return nil
}

// GetPendingMessages locks the returned rows when querier is a transaction,
// so concurrent processors never publish the same message.
func (r *OutboxRepository) GetPendingMessages(ctx context.Context, querier domain.Querier, limit int) ([]domain.OutboxMessage, error) {
	query := `
		SELECT id, aggregate_id, message_type, topic, key_value, payload, status, created_at, sent_at
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := querier.QueryContext(ctx, query, domain.OutboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.OutboxMessage
	for rows.Next() {
		msg := domain.OutboxMessage{}
		var sentAt sql.NullTime
		err := rows.Scan(
			&msg.ID,
			&msg.AggregateID,
			&msg.MessageType,
			&msg.Topic,
			&msg.Key,
			&msg.Payload,
			&msg.Status,
			&msg.CreatedAt,
			&sentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		if sentAt.Valid {
			msg.SentAt = &sentAt.Time
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox messages: %w", err)
	}

	return messages, nil
}

func (r *OutboxRepository) UpdateMessageStatusTx(ctx context.Context, querier domain.Querier, id string, status domain.OutboxMessageStatus) error {
	query := `
		UPDATE outbox_messages
		SET status = $1, sent_at = $2
		WHERE id = $3
	`
	var sentAt sql.NullTime
	if status == domain.OutboxStatusSent {
		sentAt = sql.NullTime{Time: time.Now(), Valid: true}
	}

	res, err := querier.ExecContext(ctx, query, status, sentAt, id)
	if err != nil {
		return fmt.Errorf("failed to update outbox message status for id %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for outbox update (id %s): %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no outbox message found with id %s to update status", id)
	}
	return nil
}
