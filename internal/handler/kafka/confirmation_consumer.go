package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"settlement/internal/domain"
	"settlement/internal/domain/event"
	kafka_infra "settlement/internal/infrastructure/kafka"
	"settlement/internal/reconciler"
	"settlement/internal/repository/inbox_repo"
	"settlement/internal/util"
)

type PaymentReconciler interface {
	ReconcilePayment(ctx context.Context, paymentID, txID string) error
}

// ConfirmationMessageHandler starts reconciliation for every confirmation
// request. A message already marked processed in the inbox is skipped; one
// left pending by an earlier attempt is processed again. Requests that can
// never succeed are logged and committed.
func ConfirmationMessageHandler(
	rec PaymentReconciler,
	inbox inbox_repo.InboxRepository,
	querier domain.Querier,
	consumerGroup string,
	logger *zap.Logger,
) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		log := logger.With(
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)

		var req event.ConfirmationRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			log.Error("Failed to unmarshal confirmation request", zap.Error(err), zap.ByteString("value", msg.Value))
			return nil
		}
		if strings.TrimSpace(req.PaymentID) == "" || strings.TrimSpace(req.TxID) == "" {
			log.Error("Confirmation request without payment or tx id", zap.ByteString("value", msg.Value))
			return nil
		}
		log = log.With(zap.String("payment_id", req.PaymentID), zap.String("tx_id", req.TxID))

		record := &domain.InboxMessage{
			ID:             util.GenerateUUID(),
			KafkaTopic:     msg.Topic,
			KafkaPartition: msg.Partition,
			KafkaOffset:    msg.Offset,
			ConsumerGroup:  consumerGroup,
			PaymentID:      req.PaymentID,
			Payload:        msg.Value,
			Status:         domain.InboxStatusPending,
			ReceivedAt:     time.Now(),
		}
		if err := inbox.CreateMessageTx(ctx, querier, record); err != nil {
			switch {
			case errors.Is(err, inbox_repo.ErrMessageAlreadyProcessed):
				log.Info("Confirmation request already processed, skipping")
				return nil
			case errors.Is(err, inbox_repo.ErrMessageAlreadyPending):
				log.Info("Confirmation request seen before but not finished, processing again")
			default:
				return fmt.Errorf("failed to record confirmation request in inbox: %w", err)
			}
		}

		err := rec.ReconcilePayment(ctx, req.PaymentID, req.TxID)
		switch {
		case err == nil:
			log.Info("Confirmation request accepted")
		case errors.Is(err, domain.ErrPaymentNotFound),
			errors.Is(err, reconciler.ErrInvalidRequest),
			errors.Is(err, reconciler.ErrUnsupportedNetwork):
			log.Warn("Dropping confirmation request", zap.Error(err))
		default:
			return fmt.Errorf("failed to reconcile payment %s: %w", req.PaymentID, err)
		}

		if err := inbox.UpdateStatusTx(ctx, querier, record.ID, domain.InboxStatusProcessed); err != nil {
			return fmt.Errorf("failed to mark inbox message %s processed: %w", record.ID, err)
		}
		return nil
	}
}
