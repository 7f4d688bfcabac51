package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"settlement/internal/domain"
	kafka_infra "settlement/internal/infrastructure/kafka"
	"settlement/internal/repository/outbox_repo"
)

type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, q domain.Querier) error) error
}

type Config struct {
	DefaultTopic string
	PollInterval time.Duration
	PollTimeout  time.Duration
	BatchSize    int
}

// Processor publishes pending outbox messages to Kafka and marks them sent.
// Delivery toward Kafka is at least once: a crash between the publish and the
// commit republishes the message.
type Processor struct {
	tx         Transactor
	outboxRepo outbox_repo.OutboxRepository
	producer   kafka_infra.Producer
	cfg        Config
	logger     *zap.Logger
}

func NewProcessor(
	tx Transactor,
	outboxRepo outbox_repo.OutboxRepository,
	producer kafka_infra.Producer,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Processor{
		tx:         tx,
		outboxRepo: outboxRepo,
		producer:   producer,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start polls until ctx is done.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("Starting outbox processor...", zap.Duration("poll_interval", p.cfg.PollInterval))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor stopped.")
			return
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil {
				p.logger.Error("Outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessOnce publishes one batch in a single transaction and returns how many
// messages were sent. It stops at the first publish failure so per-key order
// is kept; messages sent before that are still marked.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	sent := 0
	err := p.tx.WithinTx(ctx, func(ctx context.Context, q domain.Querier) error {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
		messages, err := p.outboxRepo.GetPendingMessages(fetchCtx, q, p.cfg.BatchSize)
		cancel()
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			p.logger.Debug("No pending outbox messages found.")
			return nil
		}
		p.logger.Debug("Found pending outbox messages", zap.Int("count", len(messages)))

		for _, msg := range messages {
			topic := msg.Topic
			if topic == "" {
				topic = p.cfg.DefaultTopic
			}
			if err := p.producer.Produce(ctx, topic, msg.Key, msg.Payload); err != nil {
				p.logger.Warn("Failed to publish outbox message, will retry",
					zap.String("message_id", msg.ID),
					zap.String("topic", topic),
					zap.Error(err))
				return nil
			}
			if err := p.outboxRepo.UpdateMessageStatusTx(ctx, q, msg.ID, domain.OutboxStatusSent); err != nil {
				return err
			}
			sent++
			p.logger.Info("Outbox message published",
				zap.String("message_id", msg.ID),
				zap.String("payment_id", msg.AggregateID),
				zap.String("event", msg.MessageType),
				zap.String("topic", topic))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent, nil
}
