package billing

import (
	"errors"
	"fmt"
)

// Sentinel errors for the billing engine.
var (
	// ErrPaymentNotFound is returned when a payment public ID resolves to
	// nothing.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrInvoiceNotFound is returned when an invoice public ID resolves to
	// nothing.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrMethodNotFound is returned when a provider code does not name an
	// active payment method.
	ErrMethodNotFound = errors.New("payment method not found or inactive")

	// ErrPaymentNotPending is returned when an invoice is requested for a
	// payment that is no longer open for collection.
	ErrPaymentNotPending = errors.New("payment is not pending")

	// ErrProviderUnavailable marks a transient provider failure (network
	// error, timeout, 5xx). Safe to retry at the caller's discretion; no
	// invoice row is created.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrInconsistentTransition marks a conflicting terminal transition
	// observed on an invoice (e.g. PAID then FAILED). Recorded for operator
	// inspection, never surfaced to the webhook caller.
	ErrInconsistentTransition = errors.New("inconsistent invoice transition")
)

// ProviderRejectedError is a permanent rejection of a charge attempt by the
// provider. The attempt is recorded as a FAILED invoice so it stays
// auditable.
type ProviderRejectedError struct {
	Code   string
	Reason string
}

func (e *ProviderRejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("provider rejected charge: %s (%s)", e.Reason, e.Code)
	}
	return fmt.Sprintf("provider rejected charge: %s", e.Code)
}

// IsProviderRejected reports whether err is a provider rejection and
// returns it.
func IsProviderRejected(err error) (*ProviderRejectedError, bool) {
	var pr *ProviderRejectedError
	if errors.As(err, &pr) {
		return pr, true
	}
	return nil, false
}
