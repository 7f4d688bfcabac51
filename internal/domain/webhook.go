package domain

import (
	"slices"
	"time"
)

const (
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentExpired   = "payment.expired"
)

// WebhookEndpoint is owned by a merchant and read-only to settlement.
type WebhookEndpoint struct {
	ID         string
	MerchantID string
	URL        string
	Secret     string
	Events     []string
	Active     bool
}

func (e WebhookEndpoint) Subscribes(event string) bool {
	return slices.Contains(e.Events, event)
}

// WebhookEvent is the envelope delivered to subscribers.
type WebhookEvent struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// EventForStatus maps a terminal payment status to the event announcing it.
func EventForStatus(s PaymentStatus) (string, bool) {
	switch s {
	case PaymentStatusCompleted:
		return EventPaymentConfirmed, true
	case PaymentStatusFailed:
		return EventPaymentFailed, true
	case PaymentStatusExpired:
		return EventPaymentExpired, true
	}
	return "", false
}
