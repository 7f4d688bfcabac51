package event

import "time"

// ConfirmationRequest arrives on the confirmation topic from the confirm-payment endpoint.
type ConfirmationRequest struct {
	PaymentID string `json:"payment_id"`
	TxID      string `json:"tx_id"`
}

// PaymentStatusEvent is published through the outbox whenever a payment reaches a terminal status.
type PaymentStatusEvent struct {
	EventID         string    `json:"event_id"`
	Event           string    `json:"event"`
	PaymentID       string    `json:"payment_id"`
	Status          string    `json:"status"`
	MerchantAddress string    `json:"merchant_address"`
	Amount          string    `json:"amount"`
	ConfirmedTxID   string    `json:"confirmed_tx_id,omitempty"`
	BlockHeight     int64     `json:"block_height,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
