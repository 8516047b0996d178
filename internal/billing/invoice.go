package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"rentpay/internal/common/money"
)

// InvoiceStatus represents the status of a collection attempt.
type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "PENDING"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceFailed    InvoiceStatus = "FAILED"
	InvoiceExpired   InvoiceStatus = "EXPIRED"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// IsTerminal reports whether s admits no further transitions.
func (s InvoiceStatus) IsTerminal() bool {
	switch s {
	case InvoicePaid, InvoiceFailed, InvoiceExpired, InvoiceCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known invoice status.
func (s InvoiceStatus) IsValid() bool {
	return s == InvoicePending || s.IsTerminal()
}

// Invoice is one provider-specific attempt to collect a payment. A payment
// has at most one PENDING invoice at any instant; historical invoices are
// retained, never deleted.
type Invoice struct {
	ID            string          `json:"-"`
	PublicID      string          `json:"public_id"`
	PaymentID     string          `json:"-"`
	InvoiceNumber string          `json:"invoice_number"`
	Amount        money.Money     `json:"amount"`
	Origin        string          `json:"origin"`
	ExternalID    string          `json:"external_id,omitempty"`
	ExternalURL   string          `json:"external_url,omitempty"`
	Status        InvoiceStatus   `json:"status"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsExpired reports whether the invoice's expiry has passed at the given
// instant. Invoices without an expiry never expire on their own.
func (i *Invoice) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// CanTransitionTo validates a transition request against the state machine:
// only PENDING accepts transitions, terminal states are immutable.
func (i *Invoice) CanTransitionTo(target InvoiceStatus) error {
	if !target.IsTerminal() {
		return fmt.Errorf("invoice %s: target status %s is not a terminal state", i.PublicID, target)
	}
	if i.Status == target {
		return nil
	}
	if i.Status != InvoicePending {
		return fmt.Errorf("invoice %s is %s, cannot become %s: %w",
			i.PublicID, i.Status, target, ErrInconsistentTransition)
	}
	return nil
}
