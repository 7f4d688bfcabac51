package domain

// ConfirmationOutcome is the terminal state of a confirmation monitor run.
type ConfirmationOutcome string

const (
	OutcomeConfirmed ConfirmationOutcome = "confirmed"
	OutcomeRejected  ConfirmationOutcome = "rejected"
	OutcomeTimeout   ConfirmationOutcome = "timeout"
	OutcomeCancelled ConfirmationOutcome = "cancelled"
)

const ReasonConfirmationTimeout = "confirmation timeout"

// ConfirmationResult is produced once per monitor run and consumed once by
// the reconciler. It is never persisted.
type ConfirmationResult struct {
	Outcome     ConfirmationOutcome
	TxID        string
	BlockHeight int64
	Reason      string
	Attempts    int
}

func Confirmed(txID string, blockHeight int64, attempts int) ConfirmationResult {
	return ConfirmationResult{Outcome: OutcomeConfirmed, TxID: txID, BlockHeight: blockHeight, Attempts: attempts}
}

func Rejected(txID, reason string, attempts int) ConfirmationResult {
	return ConfirmationResult{Outcome: OutcomeRejected, TxID: txID, Reason: reason, Attempts: attempts}
}

func TimedOut(txID string, attempts int) ConfirmationResult {
	return ConfirmationResult{Outcome: OutcomeTimeout, TxID: txID, Reason: ReasonConfirmationTimeout, Attempts: attempts}
}

func Cancelled(txID string, attempts int) ConfirmationResult {
	return ConfirmationResult{Outcome: OutcomeCancelled, TxID: txID, Reason: "monitor cancelled", Attempts: attempts}
}

func (r ConfirmationResult) Confirmed() bool {
	return r.Outcome == OutcomeConfirmed
}
