package billing

import (
	"context"
	"log/slog"
	"time"

	"rentpay/internal/common/events"
	"rentpay/internal/common/money"
)

// Event subjects published by the billing engine.
const (
	SubjectInvoiceCreated = "billing.invoice.created"
	SubjectInvoicePaid    = "billing.invoice.paid"
	SubjectInvoiceFailed  = "billing.invoice.failed"
	SubjectInvoiceExpired = "billing.invoice.expired"
	SubjectPaymentPaid    = "billing.payment.paid"
)

// Publisher emits domain events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *events.Event) error
}

// InvoiceEventData is the payload for invoice lifecycle events.
type InvoiceEventData struct {
	InvoicePublicID string        `json:"invoice_public_id"`
	PaymentPublicID string        `json:"payment_public_id"`
	InvoiceNumber   string        `json:"invoice_number"`
	Origin          string        `json:"origin"`
	Amount          money.Money   `json:"amount"`
	Status          InvoiceStatus `json:"status"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`
}

// PaymentEventData is the payload for payment lifecycle events.
type PaymentEventData struct {
	PaymentPublicID string      `json:"payment_public_id"`
	DebtorID        string      `json:"debtor_id"`
	Period          string      `json:"period,omitempty"`
	Amount          money.Money `json:"amount"`
	PaidAt          *time.Time  `json:"paid_at,omitempty"`
}

// publishInvoiceEvent emits an invoice lifecycle event. Publishing is
// best-effort: a failure is logged and never fails the transaction that
// produced the state change.
func (s *Service) publishInvoiceEvent(ctx context.Context, subject string, inv *Invoice, paymentPublicID string) {
	if s.publisher == nil {
		return
	}

	data := InvoiceEventData{
		InvoicePublicID: inv.PublicID,
		PaymentPublicID: paymentPublicID,
		InvoiceNumber:   inv.InvoiceNumber,
		Origin:          inv.Origin,
		Amount:          inv.Amount,
		Status:          inv.Status,
		PaidAt:          inv.PaidAt,
	}

	event, err := events.NewEvent(subject, "invoice", inv.PublicID, data)
	if err != nil {
		s.logger.Error("building invoice event", slog.String("subject", subject), slog.Any("error", err))
		return
	}

	if err := s.publisher.Publish(ctx, subject, event); err != nil {
		s.logger.Error("publishing invoice event",
			slog.String("subject", subject),
			slog.String("invoice_id", inv.PublicID),
			slog.Any("error", err),
		)
	}
}

func (s *Service) publishPaymentEvent(ctx context.Context, subject string, p *Payment) {
	if s.publisher == nil {
		return
	}

	data := PaymentEventData{
		PaymentPublicID: p.PublicID,
		DebtorID:        p.DebtorID,
		Period:          p.Period,
		Amount:          p.Amount,
		PaidAt:          p.PaidAt,
	}

	event, err := events.NewEvent(subject, "payment", p.PublicID, data)
	if err != nil {
		s.logger.Error("building payment event", slog.String("subject", subject), slog.Any("error", err))
		return
	}

	if err := s.publisher.Publish(ctx, subject, event); err != nil {
		s.logger.Error("publishing payment event",
			slog.String("subject", subject),
			slog.String("payment_id", p.PublicID),
			slog.Any("error", err),
		)
	}
}
