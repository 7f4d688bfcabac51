package domain

import (
	"fmt"
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusExpired   PaymentStatus = "expired"
)

// IsTerminal reports whether no further automatic transition can leave s.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusExpired:
		return true
	}
	return false
}

func (s PaymentStatus) Valid() bool {
	return s == PaymentStatusPending || s.IsTerminal()
}

const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// Metadata keys carrying correlation ids set by the payment-creation flow.
const (
	MetadataPaymentLinkID = "paymentLinkId"
	MetadataProductID     = "productId"
	MetadataCustomerEmail = "customerEmail"
	MetadataCheckoutType  = "checkoutType"

	CheckoutTypeProduct = "product"
)

type Payment struct {
	ID              string            `json:"id"`
	LinkID          string            `json:"linkId,omitempty"`
	Network         string            `json:"network"`
	Amount          decimal.Decimal   `json:"amount"`
	AmountFiat      decimal.Decimal   `json:"amountFiat"`
	Status          PaymentStatus     `json:"status"`
	SubmittedTxID   string            `json:"submittedTxId,omitempty"`
	ConfirmedTxID   string            `json:"confirmedTxId,omitempty"`
	BlockHeight     int64             `json:"blockHeight,omitempty"`
	FailureReason   string            `json:"failureReason,omitempty"`
	MerchantAddress string            `json:"merchantAddress"`
	CustomerAddress string            `json:"customerAddress,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// Transition describes a move of a pending payment into a terminal status.
type Transition struct {
	To          PaymentStatus
	TxID        string
	BlockHeight int64
	Reason      string
	At          time.Time
}

// Apply is the only way status-related fields change. Only pending payments
// move, and only into a terminal status; a completion must carry the
// confirmed transaction id.
func (p *Payment) Apply(t Transition) error {
	if p.Status != PaymentStatusPending {
		return fmt.Errorf("%w: payment %s is %s", ErrIllegalTransition, p.ID, p.Status)
	}
	if !t.To.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.Status, t.To)
	}

	switch t.To {
	case PaymentStatusCompleted:
		if t.TxID == "" {
			return fmt.Errorf("%w: completion of %s without a confirmed tx id", ErrIllegalTransition, p.ID)
		}
		at := t.At
		p.ConfirmedTxID = t.TxID
		p.BlockHeight = t.BlockHeight
		p.CompletedAt = &at
		p.FailureReason = ""
	case PaymentStatusFailed, PaymentStatusExpired:
		p.ConfirmedTxID = ""
		p.CompletedAt = nil
		p.FailureReason = t.Reason
	}

	p.Status = t.To
	p.UpdatedAt = t.At
	return nil
}

// IsExpired reports whether the payment window has elapsed at now.
func (p *Payment) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// CheckInvariants verifies that confirmedTxId is set exactly when the payment is completed.
func (p *Payment) CheckInvariants() error {
	if !p.Status.Valid() {
		return fmt.Errorf("payment %s has unknown status %q", p.ID, p.Status)
	}
	if (p.ConfirmedTxID != "") != (p.Status == PaymentStatusCompleted) {
		return fmt.Errorf("payment %s: confirmed tx id %q inconsistent with status %s", p.ID, p.ConfirmedTxID, p.Status)
	}
	return nil
}

func (p *Payment) MetadataValue(key string) string {
	if p.Metadata == nil {
		return ""
	}
	return p.Metadata[key]
}

// Merchant identifies the tenant that owns the payment for webhook routing.
func (p *Payment) Merchant() string {
	return p.MerchantAddress
}

func (p *Payment) NetworkOrDefault() string {
	if p.Network == "" {
		return NetworkMainnet
	}
	return p.Network
}

func (p *Payment) Clone() *Payment {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
