package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"settlement/internal/domain"
	"settlement/internal/domain/event"
	"settlement/internal/repository/outbox_repo"
	"settlement/internal/util"
)

const paymentColumns = `
	id, link_id, network, amount, amount_fiat, status, submitted_tx_id, confirmed_tx_id,
	block_height, failure_reason, merchant_address, customer_address, metadata,
	created_at, expires_at, completed_at, updated_at`

type PaymentRepository struct {
	db          *sql.DB
	outboxRepo  outbox_repo.OutboxRepository
	statusTopic string
	logger      *zap.Logger
}

// NewPaymentRepository returns a repository that writes a status event to the
// outbox in the same transaction as every status change. A nil outboxRepo
// disables the outbox write.
func NewPaymentRepository(db *sql.DB, outboxRepo outbox_repo.OutboxRepository, statusTopic string, logger *zap.Logger) *PaymentRepository {
	return &PaymentRepository{
		db:          db,
		outboxRepo:  outboxRepo,
		statusTopic: statusTopic,
		logger:      logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	p := &domain.Payment{}
	var (
		linkID, submittedTxID, confirmedTxID sql.NullString
		failureReason, customerAddress       sql.NullString
		blockHeight                          sql.NullInt64
		completedAt                          sql.NullTime
		metadata                             []byte
	)
	err := row.Scan(
		&p.ID,
		&linkID,
		&p.Network,
		&p.Amount,
		&p.AmountFiat,
		&p.Status,
		&submittedTxID,
		&confirmedTxID,
		&blockHeight,
		&failureReason,
		&p.MerchantAddress,
		&customerAddress,
		&metadata,
		&p.CreatedAt,
		&p.ExpiresAt,
		&completedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.LinkID = linkID.String
	p.SubmittedTxID = submittedTxID.String
	p.ConfirmedTxID = confirmedTxID.String
	p.BlockHeight = blockHeight.Int64
	p.FailureReason = failureReason.String
	p.CustomerAddress = customerAddress.String
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of payment %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment by id %s: %w", id, err)
	}
	return p, nil
}

func (r *PaymentRepository) RecordSubmission(ctx context.Context, id, txID string) error {
	query := `
		UPDATE payments
		SET submitted_tx_id = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	res, err := r.db.ExecContext(ctx, query, txID, time.Now(), id, domain.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("failed to record submitted tx for payment %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for payment submission: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("payment %s is not pending: %w", id, domain.ErrConcurrentUpdate)
	}
	return nil
}

func (r *PaymentRepository) ApplyTransition(ctx context.Context, p *domain.Payment, from domain.PaymentStatus) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Recovered panic during payment transition, rolling back",
				zap.String("payment_id", p.ID), zap.Any("panic", rec))
			tx.Rollback()
			panic(rec)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.logger.Error("Failed to roll back payment transition", zap.String("payment_id", p.ID), zap.Error(rbErr))
			}
		}
	}()

	query := `
		UPDATE payments
		SET status = $1, confirmed_tx_id = $2, block_height = $3, failure_reason = $4,
		    completed_at = $5, updated_at = $6
		WHERE id = $7 AND status = $8
	`
	var completedAt sql.NullTime
	if p.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *p.CompletedAt, Valid: true}
	}
	res, err := tx.ExecContext(ctx, query,
		p.Status,
		nullString(p.ConfirmedTxID),
		sql.NullInt64{Int64: p.BlockHeight, Valid: p.BlockHeight > 0},
		nullString(p.FailureReason),
		completedAt,
		p.UpdatedAt,
		p.ID,
		from,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment %s status: %w", p.ID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for payment status update: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}

	if r.outboxRepo != nil {
		msg, err := statusMessage(p, r.statusTopic)
		if err != nil {
			return err
		}
		if err := r.outboxRepo.CreateMessageTx(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment transition: %w", err)
	}
	return nil
}

func (r *PaymentRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, domain.PaymentStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}
	return payments, nil
}

func statusMessage(p *domain.Payment, topic string) (*domain.OutboxMessage, error) {
	name, _ := domain.EventForStatus(p.Status)
	payload, err := json.Marshal(event.PaymentStatusEvent{
		EventID:         util.GenerateUUID(),
		Event:           name,
		PaymentID:       p.ID,
		Status:          string(p.Status),
		MerchantAddress: p.MerchantAddress,
		Amount:          p.Amount.String(),
		ConfirmedTxID:   p.ConfirmedTxID,
		BlockHeight:     p.BlockHeight,
		Reason:          p.FailureReason,
		Timestamp:       p.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment status event: %w", err)
	}
	return &domain.OutboxMessage{
		ID:          util.GenerateUUID(),
		AggregateID: p.ID,
		MessageType: name,
		Topic:       topic,
		Key:         p.ID,
		Payload:     payload,
		Status:      domain.OutboxStatusPending,
		CreatedAt:   time.Now(),
	}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
