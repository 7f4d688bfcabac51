package domain

import "time"

type InboxMessageStatus string

const (
	InboxStatusPending   InboxMessageStatus = "PENDING"
	InboxStatusProcessed InboxMessageStatus = "PROCESSED"
)

// InboxMessage records a consumed confirmation request by its Kafka
// coordinates so a redelivered message is handled once.
type InboxMessage struct {
	ID             string
	KafkaTopic     string
	KafkaPartition int
	KafkaOffset    int64
	ConsumerGroup  string
	PaymentID      string
	Payload        []byte
	Status         InboxMessageStatus
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
}
