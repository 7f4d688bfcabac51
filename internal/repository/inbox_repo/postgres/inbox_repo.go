package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"settlement/internal/domain"
	"settlement/internal/repository/inbox_repo"
)

const uniqueViolation = "23505"

type InboxRepository struct{}

func NewInboxRepository() *InboxRepository {
	return &InboxRepository{}
}

// CreateMessageTx relies on the unique Kafka coordinates constraint. Inside a
// transaction a duplicate aborts it, so callers pass the plain connection.
func (r *InboxRepository) CreateMessageTx(ctx context.Context, querier domain.Querier, msg *domain.InboxMessage) error {
	query := `
		INSERT INTO inbox_messages (id, kafka_topic, kafka_partition, kafka_offset, consumer_group, payment_id, payload, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := querier.ExecContext(ctx, query,
		msg.ID,
		msg.KafkaTopic,
		msg.KafkaPartition,
		msg.KafkaOffset,
		msg.ConsumerGroup,
		msg.PaymentID,
		msg.Payload,
		msg.Status,
		msg.ReceivedAt,
	)
	if err == nil {
		return nil
	}
	var pgErr *pq.Error
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return fmt.Errorf("failed to insert inbox message: %w", err)
	}

	existing, err := r.getByKafkaMetadata(ctx, querier, msg.KafkaTopic, msg.KafkaPartition, msg.KafkaOffset, msg.ConsumerGroup)
	if err != nil {
		return fmt.Errorf("failed to retrieve existing inbox message after conflict: %w", err)
	}
	msg.ID = existing.ID
	if existing.Status == domain.InboxStatusProcessed {
		return inbox_repo.ErrMessageAlreadyProcessed
	}
	return inbox_repo.ErrMessageAlreadyPending
}

func (r *InboxRepository) UpdateStatusTx(ctx context.Context, querier domain.Querier, id string, status domain.InboxMessageStatus) error {
	query := `
		UPDATE inbox_messages
		SET status = $1::VARCHAR, processed_at = CASE WHEN $1::VARCHAR = 'PROCESSED' THEN $2 ELSE NULL END
		WHERE id = $3
	`
	res, err := querier.ExecContext(ctx, query, string(status), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update inbox message status %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for inbox message update: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("inbox message with id %s not found for status update", id)
	}
	return nil
}

func (r *InboxRepository) getByKafkaMetadata(ctx context.Context, querier domain.Querier, topic string, partition int, offset int64, consumerGroup string) (*domain.InboxMessage, error) {
	query := `
		SELECT id, kafka_topic, kafka_partition, kafka_offset, consumer_group, payment_id, payload, status, received_at, processed_at
		FROM inbox_messages
		WHERE kafka_topic = $1 AND kafka_partition = $2 AND kafka_offset = $3 AND consumer_group = $4
	`
	msg := &domain.InboxMessage{}
	var processedAt sql.NullTime
	err := querier.QueryRowContext(ctx, query, topic, partition, offset, consumerGroup).Scan(
		&msg.ID,
		&msg.KafkaTopic,
		&msg.KafkaPartition,
		&msg.KafkaOffset,
		&msg.ConsumerGroup,
		&msg.PaymentID,
		&msg.Payload,
		&msg.Status,
		&msg.ReceivedAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		msg.ProcessedAt = &processedAt.Time
	}
	return msg, nil
}
