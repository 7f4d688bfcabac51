package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageHandler processes one message. A nil return commits the offset. An
// error makes the consumer retry the same message with backoff until it
// succeeds or the consumer stops; later offsets are not fetched meanwhile.
type MessageHandler func(ctx context.Context, message kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader         messageReader
	topic          string
	groupID        string
	logger         *zap.Logger
	handler        MessageHandler
	handlerTimeout time.Duration
	retryBackoff   time.Duration
	maxBackoff     time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, handler MessageHandler, l *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0,
		Logger:         kafka.LoggerFunc(l.Sugar().Debugf),
		ErrorLogger:    kafka.LoggerFunc(l.Sugar().Errorf),
	})

	return newConsumer(reader, topic, groupID, handler, l)
}

func newConsumer(reader messageReader, topic, groupID string, handler MessageHandler, l *zap.Logger) *Consumer {
	return &Consumer{
		reader:         reader,
		topic:          topic,
		groupID:        groupID,
		logger:         l,
		handler:        handler,
		handlerTimeout: 25 * time.Second,
		retryBackoff:   500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
	}
}

// GroupID is the consumer group the reader joined.
func (c *Consumer) GroupID() string {
	return c.groupID
}

func (c *Consumer) Consume(ctx context.Context) error {
	c.logger.Info("Kafka consumer starting message consumption",
		zap.String("topic", c.topic),
		zap.String("group_id", c.groupID),
	)

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, kafka.ErrGroupClosed) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("Consumer stopping", zap.String("topic", c.topic), zap.Error(err))
				return nil
			}
			c.logger.Error("Error fetching message from Kafka", zap.Error(err), zap.String("topic", c.topic))
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		if !c.handleWithRetry(ctx, m) {
			c.logger.Info("Consumer stopping with message uncommitted",
				zap.String("topic", m.Topic),
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset))
			return nil
		}

		commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := c.reader.CommitMessages(commitCtx, m); err != nil {
			c.logger.Error("Failed to commit offset for message",
				zap.String("topic", m.Topic),
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
		}
		cancelCommit()
	}
}

// handleWithRetry reports false when ctx ended before the handler succeeded.
func (c *Consumer) handleWithRetry(ctx context.Context, m kafka.Message) bool {
	backoff := c.retryBackoff
	for attempt := 1; ; attempt++ {
		handleCtx, cancelHandler := context.WithTimeout(context.WithoutCancel(ctx), c.handlerTimeout)
		err := c.handler(handleCtx, m)
		cancelHandler()
		if err == nil {
			return true
		}

		c.logger.Error("Error handling Kafka message, retrying",
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if !sleepCtx(ctx, backoff) {
			return false
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		c.logger.Error("Failed to close Kafka consumer reader", zap.Error(err))
		return fmt.Errorf("failed to close Kafka consumer reader: %w", err)
	}
	c.logger.Info("Kafka consumer reader closed.", zap.String("topic", c.topic))
	return nil
}
