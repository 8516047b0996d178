// Package billing implements the rental payment and invoice lifecycle:
// invoice orchestration against payment providers, webhook reconciliation,
// and payment status control.
package billing

import (
	"encoding/json"
	"time"

	"rentpay/internal/common/money"
)

// PaymentStatus represents the status of a payment obligation.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRejected PaymentStatus = "rejected"
	PaymentApproved PaymentStatus = "approved"
)

// Payment is the monetary obligation a tenant owes for a period,
// independent of which provider eventually collects it.
type Payment struct {
	ID        string        `json:"-"`
	PublicID  string        `json:"public_id"`
	DebtorID  string        `json:"debtor_id"`
	LeaseID   string        `json:"lease_id,omitempty"`
	Period    string        `json:"period,omitempty"`
	Amount    money.Money   `json:"amount"`
	Method    string        `json:"method,omitempty"`
	Status    PaymentStatus `json:"status"`
	// ReceiptKey references the stored receipt object; resolution is an
	// external concern.
	ReceiptKey string     `json:"receipt_key,omitempty"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// MethodType distinguishes traditional processors from crypto gateways.
type MethodType string

const (
	MethodTraditional MethodType = "traditional"
	MethodCrypto      MethodType = "crypto"
)

// PaymentMethod is a catalog entry describing a payment provider.
// Read-mostly; owned by administrative configuration.
type PaymentMethod struct {
	ID          string          `json:"-"`
	PublicID    string          `json:"public_id"`
	Name        string          `json:"name"`
	Code        string          `json:"code"`
	Type        MethodType      `json:"type"`
	Description string          `json:"description,omitempty"`
	IsActive    bool            `json:"is_active"`
	IconURL     string          `json:"icon_url,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WebhookLogEntry is an immutable audit record of one inbound provider
// notification. It is written before any processing happens, so every
// delivery is observable even when processing fails.
type WebhookLogEntry struct {
	ID           string          `json:"id"`
	InvoiceID    string          `json:"invoice_id,omitempty"`
	Provider     string          `json:"provider"`
	EventType    string          `json:"event_type,omitempty"`
	Headers      json.RawMessage `json:"headers,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Processed    bool            `json:"processed"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
