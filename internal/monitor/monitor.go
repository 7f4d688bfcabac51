package monitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"settlement/internal/domain"
	"settlement/internal/indexer"
)

type TxLookup interface {
	GetTransaction(ctx context.Context, txID string) (*indexer.Transaction, error)
}

type TxResolver interface {
	ResolveTxID(ctx context.Context, hint indexer.RecoveryHint) (string, error)
}

type Config struct {
	MaxAttempts    int
	Interval       time.Duration
	ResolveTimeout time.Duration
}

// Request describes one watch. Halt, when set, is consulted before every
// lookup; returning true stops the watch with a cancelled result.
type Request struct {
	TxID string
	Hint *indexer.RecoveryHint
	Halt func(ctx context.Context) bool
}

// Monitor polls the indexer until a transaction reaches a terminal state or
// the attempt budget runs out. A Monitor holds no per-watch state and may run
// any number of watches concurrently.
type Monitor struct {
	lookup         TxLookup
	resolver       TxResolver
	maxAttempts    int
	interval       time.Duration
	resolveTimeout time.Duration
	logger         *zap.Logger
}

func New(lookup TxLookup, resolver TxResolver, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 30
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 15 * time.Second
	}
	return &Monitor{
		lookup:         lookup,
		resolver:       resolver,
		maxAttempts:    cfg.MaxAttempts,
		interval:       cfg.Interval,
		resolveTimeout: cfg.ResolveTimeout,
		logger:         logger,
	}
}

// Watch blocks until a terminal ConfirmationResult is known. Cancelling ctx
// ends the watch with a cancelled outcome at the next suspension point.
func (m *Monitor) Watch(ctx context.Context, req Request) domain.ConfirmationResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	txID := req.TxID
	log := m.logger.With(zap.String("tx_id", req.TxID))

	var recovered chan string

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if ctx.Err() != nil || (req.Halt != nil && req.Halt(ctx)) {
			log.Info("Confirmation monitor halted", zap.Int("attempt", attempt))
			return domain.Cancelled(txID, attempt-1)
		}

		select {
		case id := <-recovered:
			if id != "" && id != txID {
				log.Info("Switching to recovered transaction id", zap.String("recovered_tx_id", id))
				txID = id
			}
			recovered = nil
		default:
		}

		tx, err := m.lookup.GetTransaction(ctx, txID)
		switch {
		case err == nil && tx.TxStatus.IsSuccess() && tx.BlockHeight > 0:
			log.Info("Transaction confirmed",
				zap.Int64("block_height", tx.BlockHeight),
				zap.Int("attempt", attempt))
			return domain.Confirmed(txID, tx.BlockHeight, attempt)
		case err == nil && tx.TxStatus.IsRejected():
			log.Info("Transaction rejected",
				zap.String("tx_status", string(tx.TxStatus)),
				zap.Int("attempt", attempt))
			return domain.Rejected(txID, string(tx.TxStatus), attempt)
		case err == nil:
			log.Debug("Transaction still in flight",
				zap.String("tx_status", string(tx.TxStatus)),
				zap.Int("attempt", attempt))
		case errors.Is(err, indexer.ErrTxNotFound):
			log.Debug("Transaction not indexed yet", zap.Int("attempt", attempt))
			if recovered == nil && attempt == 1 && req.Hint != nil && m.resolver != nil {
				recovered = m.startRecovery(ctx, *req.Hint, log)
			}
		default:
			if ctx.Err() != nil {
				return domain.Cancelled(txID, attempt)
			}
			log.Warn("Indexer lookup failed", zap.Int("attempt", attempt), zap.Error(err))
		}

		if attempt == m.maxAttempts {
			break
		}

		timer := time.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Cancelled(txID, attempt)
		case <-timer.C:
		}
	}

	log.Warn("Confirmation monitor exhausted attempts", zap.Int("attempts", m.maxAttempts))
	return domain.TimedOut(txID, m.maxAttempts)
}

// startRecovery runs the secondary lookup in the background. The polling loop
// only ever peeks at the returned channel.
func (m *Monitor) startRecovery(ctx context.Context, hint indexer.RecoveryHint, log *zap.Logger) chan string {
	out := make(chan string, 1)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, m.resolveTimeout)
		defer cancel()

		id, err := m.resolver.ResolveTxID(ctx, hint)
		if err != nil {
			if !errors.Is(err, indexer.ErrTxNotFound) {
				log.Warn("Transaction id recovery failed", zap.Error(err))
			}
			out <- ""
			return
		}
		out <- id
	}()
	return out
}
