package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
)

// WebhookResult describes what processing a notification amounted to.
type WebhookResult string

const (
	// WebhookApplied means the notification caused an invoice transition.
	WebhookApplied WebhookResult = "applied"
	// WebhookDuplicate means the invoice was already in the target status.
	WebhookDuplicate WebhookResult = "duplicate"
	// WebhookIgnored means the notification was logged but implied no
	// transition: informational event, unknown reference, or a payload we
	// could not parse.
	WebhookIgnored WebhookResult = "ignored"
	// WebhookRejected means the signature did not verify.
	WebhookRejected WebhookResult = "rejected"
	// WebhookConflict means the notification asked for a transition the
	// invoice's terminal status forbids. Logged for operator inspection.
	WebhookConflict WebhookResult = "conflict"
)

// WebhookOutcome is the reconciler's report for one notification.
type WebhookOutcome struct {
	LogID           string
	Result          WebhookResult
	InvoicePublicID string
	Detail          string

	invoiceID string
}

// HandleWebhook reconciles one inbound provider notification.
//
// The notification is logged before anything else, so every delivery is
// auditable even when processing fails. After that, processing follows a
// fixed order: verify authenticity, parse, resolve the invoice by
// (provider, external reference), then attempt the status transition as a
// compare-and-set. Replays and out-of-order deliveries land as duplicates
// or conflicts, never as state changes.
//
// The returned error is non-nil only for infrastructure failures (the
// audit log could not be written, or the store failed mid-flight); every
// provider-side oddity is absorbed into the outcome so the endpoint can
// acknowledge the delivery.
func (s *Service) HandleWebhook(ctx context.Context, provider string, headers http.Header, payload []byte) (*WebhookOutcome, error) {
	gateway, ok := s.gateways.Get(provider)
	if !ok {
		return nil, fmt.Errorf("no gateway configured for %s: %w", provider, ErrMethodNotFound)
	}

	entry := &WebhookLogEntry{
		ID:        ulid.Make().String(),
		Provider:  provider,
		Headers:   marshalHeaders(headers),
		Payload:   normalizePayload(payload),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateWebhookLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("logging webhook: %w", err)
	}

	outcome := s.processWebhook(ctx, gateway, entry, headers, payload)

	if err := s.store.FinishWebhookLog(ctx, entry.ID, entry.EventType, outcome.invoiceID, outcome.Detail); err != nil {
		s.logger.Error("finishing webhook log",
			slog.String("log_id", entry.ID),
			slog.Any("error", err),
		)
	}

	s.logger.Info("webhook processed",
		slog.String("log_id", entry.ID),
		slog.String("provider", provider),
		slog.String("result", string(outcome.Result)),
		slog.String("invoice_id", outcome.InvoicePublicID),
		slog.String("detail", outcome.Detail),
	)
	return outcome, nil
}

func (s *Service) processWebhook(ctx context.Context, gateway Gateway, entry *WebhookLogEntry, headers http.Header, payload []byte) *WebhookOutcome {
	outcome := &WebhookOutcome{LogID: entry.ID}

	if !gateway.VerifyWebhook(headers, payload) {
		outcome.Result = WebhookRejected
		outcome.Detail = "signature verification failed"
		return outcome
	}

	event, err := gateway.ParseEvent(payload)
	if err != nil {
		outcome.Result = WebhookIgnored
		outcome.Detail = fmt.Sprintf("unparseable payload: %v", err)
		return outcome
	}
	entry.EventType = event.EventType

	if event.Target == "" {
		outcome.Result = WebhookIgnored
		outcome.Detail = fmt.Sprintf("informational event %s", event.EventType)
		return outcome
	}

	inv, err := s.store.GetInvoiceByExternalRef(ctx, gateway.Code(), event.ExternalID)
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) {
			outcome.Result = WebhookIgnored
			outcome.Detail = fmt.Sprintf("unknown invoice: %s", event.ExternalID)
			return outcome
		}
		outcome.Result = WebhookIgnored
		outcome.Detail = fmt.Sprintf("invoice lookup failed: %v", err)
		return outcome
	}
	outcome.InvoicePublicID = inv.PublicID
	outcome.invoiceID = inv.ID

	return s.applyTransition(ctx, inv, event, outcome)
}

// applyTransition attempts the compare-and-set transition implied by the
// event and classifies the result.
func (s *Service) applyTransition(ctx context.Context, inv *Invoice, event *ProviderEvent, outcome *WebhookOutcome) *WebhookOutcome {
	target := event.Target

	if err := inv.CanTransitionTo(target); err != nil {
		if inv.Status == target {
			outcome.Result = WebhookDuplicate
			return outcome
		}
		outcome.Result = WebhookConflict
		outcome.Detail = err.Error()
		return outcome
	}
	if inv.Status == target {
		outcome.Result = WebhookDuplicate
		return outcome
	}

	change := InvoiceChange{}
	var paidAt time.Time
	if target == InvoicePaid {
		paidAt = s.now().UTC()
		change.PaidAt = &paidAt
	}

	applied, err := s.store.TransitionInvoice(ctx, inv.ID, InvoicePending, target, change)
	if err != nil {
		outcome.Result = WebhookIgnored
		outcome.Detail = fmt.Sprintf("transition failed: %v", err)
		return outcome
	}
	if !applied {
		// Lost the race: re-read and decide whether the winner agreed with
		// us (duplicate) or contradicted us (conflict).
		current, err := s.store.GetInvoiceByID(ctx, inv.ID)
		if err != nil {
			outcome.Result = WebhookIgnored
			outcome.Detail = fmt.Sprintf("re-read after lost race failed: %v", err)
			return outcome
		}
		if current.Status == target {
			outcome.Result = WebhookDuplicate
			return outcome
		}
		outcome.Result = WebhookConflict
		outcome.Detail = fmt.Sprintf("invoice %s is %s, cannot become %s: %s",
			inv.PublicID, current.Status, target, ErrInconsistentTransition)
		return outcome
	}

	inv.Status = target
	if change.PaidAt != nil {
		inv.PaidAt = change.PaidAt
	}
	outcome.Result = WebhookApplied
	s.afterTransition(ctx, inv, paidAt)
	return outcome
}

// afterTransition propagates a settled invoice to its payment and emits
// lifecycle events.
func (s *Service) afterTransition(ctx context.Context, inv *Invoice, paidAt time.Time) {
	switch inv.Status {
	case InvoicePaid:
		payment, err := s.store.GetPaymentByID(ctx, inv.PaymentID)
		if err != nil {
			s.logger.Error("loading payment for settled invoice",
				slog.String("invoice_id", inv.PublicID),
				slog.Any("error", err),
			)
			s.publishInvoiceEvent(ctx, SubjectInvoicePaid, inv, "")
			return
		}

		marked, err := s.markPaymentPaid(ctx, payment.ID, paidAt)
		if err != nil {
			s.logger.Error("marking payment paid",
				slog.String("payment_id", payment.PublicID),
				slog.Any("error", err),
			)
		}
		s.publishInvoiceEvent(ctx, SubjectInvoicePaid, inv, payment.PublicID)
		if marked {
			payment.Status = PaymentPaid
			payment.PaidAt = &paidAt
			s.publishPaymentEvent(ctx, SubjectPaymentPaid, payment)
		}
	case InvoiceFailed:
		s.publishInvoiceEvent(ctx, SubjectInvoiceFailed, inv, "")
	case InvoiceExpired:
		s.publishInvoiceEvent(ctx, SubjectInvoiceExpired, inv, "")
	}
}

func marshalHeaders(h http.Header) json.RawMessage {
	b, err := json.Marshal(h)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// normalizePayload keeps the audit log queryable: JSON bodies are stored
// as-is, anything else is stored as a JSON string.
func normalizePayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return payload
	}
	b, err := json.Marshal(string(payload))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return b
}
