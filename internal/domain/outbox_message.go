package domain

import "time"

type OutboxMessageStatus string

const (
	OutboxStatusPending OutboxMessageStatus = "PENDING"
	OutboxStatusSent    OutboxMessageStatus = "SENT"
	OutboxStatusFailed  OutboxMessageStatus = "FAILED"
)

// OutboxMessage is a payment status event waiting to be published to Kafka.
// It is written in the same transaction as the status change it describes.
type OutboxMessage struct {
	ID          string
	AggregateID string
	MessageType string
	Topic       string
	Key         string
	Payload     []byte
	Status      OutboxMessageStatus
	CreatedAt   time.Time
	SentAt      *time.Time
}
