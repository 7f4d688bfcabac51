package inbox_repo

import (
	"context"
	"errors"

	"settlement/internal/domain"
)

type InboxRepository interface {
	// CreateMessageTx returns ErrMessageAlreadyProcessed or ErrMessageAlreadyPending
	// when a message with the same Kafka coordinates was recorded before.
	CreateMessageTx(ctx context.Context, querier domain.Querier, msg *domain.InboxMessage) error
	UpdateStatusTx(ctx context.Context, querier domain.Querier, id string, status domain.InboxMessageStatus) error
}

var (
	ErrMessageAlreadyProcessed = errors.New("inbox message already processed")
	ErrMessageAlreadyPending   = errors.New("inbox message already pending")
)
