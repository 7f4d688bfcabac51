package indexer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RecoveryHint narrows the search for a broadcast transaction whose id differs
// from the one the wallet reported.
type RecoveryHint struct {
	ContractID  string
	Function    string
	Sender      string
	Since       time.Time
	ExcludeTxID string
}

type AddressLister interface {
	ListAddressTransactions(ctx context.Context, principal string, limit int) ([]Transaction, error)
}

// Resolver is a best-effort secondary lookup. A miss is reported as
// ErrTxNotFound and never retried here.
type Resolver struct {
	lister AddressLister
	window time.Duration
	limit  int
	now    func() time.Time
	logger *zap.Logger
}

func NewResolver(lister AddressLister, window time.Duration, logger *zap.Logger) *Resolver {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Resolver{
		lister: lister,
		window: window,
		limit:  50,
		now:    time.Now,
		logger: logger,
	}
}

func (r *Resolver) ResolveTxID(ctx context.Context, hint RecoveryHint) (string, error) {
	if hint.ContractID == "" {
		return "", ErrTxNotFound
	}

	txs, err := r.lister.ListAddressTransactions(ctx, hint.ContractID, r.limit)
	if err != nil {
		return "", err
	}

	cutoff := r.now().Add(-r.window)
	if hint.Since.After(cutoff) {
		cutoff = hint.Since
	}

	for _, tx := range txs {
		if tx.TxID == "" || tx.TxID == hint.ExcludeTxID || tx.ContractCall == nil {
			continue
		}
		if tx.ContractCall.ContractID != hint.ContractID {
			continue
		}
		if hint.Function != "" && tx.ContractCall.FunctionName != hint.Function {
			continue
		}
		if hint.Sender != "" && tx.SenderAddress != hint.Sender {
			continue
		}
		if received := tx.ReceivedAt(); !received.IsZero() && received.Before(cutoff) {
			continue
		}

		r.logger.Info("Recovered broadcast transaction id",
			zap.String("contract_id", hint.ContractID),
			zap.String("submitted_tx_id", hint.ExcludeTxID),
			zap.String("tx_id", tx.TxID))
		return tx.TxID, nil
	}
	return "", ErrTxNotFound
}
