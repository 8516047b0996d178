package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"rentpay/internal/common/money"
)

// ChargeRequest asks a provider to mint a charge/order for an invoice.
type ChargeRequest struct {
	PaymentPublicID string
	InvoicePublicID string
	Amount          money.Money
	Description     string
	ReturnURL       string
	CancelURL       string
}

// Charge is the normalized result of a provider charge creation. It only
// means the order was accepted for processing, never that funds moved.
type Charge struct {
	ExternalID  string
	ExternalURL string
	ExpiresAt   *time.Time
	Raw         json.RawMessage
}

// ProviderEvent is a normalized inbound notification. Target is empty for
// informational events that imply no terminal transition (e.g. a
// still-waiting status), which the reconciler treats as no-ops.
type ProviderEvent struct {
	ExternalID string
	EventType  string
	Target     InvoiceStatus
}

// Gateway is the capability interface each payment provider implements.
// Provider configuration is injected at construction; nothing
// provider-specific leaks upward.
type Gateway interface {
	// Code returns the provider code this gateway serves (the invoice
	// origin).
	Code() string

	// CreateCharge mints a provider-side charge. Transient failures return
	// ErrProviderUnavailable; a valid rejection returns
	// *ProviderRejectedError.
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)

	// VerifyWebhook checks the authenticity of an inbound notification
	// against the provider's signing scheme.
	VerifyWebhook(headers http.Header, payload []byte) bool

	// ParseEvent extracts the provider reference and the implied invoice
	// status from a verified payload.
	ParseEvent(payload []byte) (*ProviderEvent, error)
}

// GatewayRegistry resolves gateways by provider code. The set is closed and
// built once at startup.
type GatewayRegistry struct {
	gateways map[string]Gateway
}

// NewGatewayRegistry builds a registry from the configured gateways.
func NewGatewayRegistry(gateways ...Gateway) *GatewayRegistry {
	m := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		m[g.Code()] = g
	}
	return &GatewayRegistry{gateways: m}
}

// Get returns the gateway for a provider code.
func (r *GatewayRegistry) Get(code string) (Gateway, bool) {
	g, ok := r.gateways[code]
	return g, ok
}

// Codes returns the registered provider codes.
func (r *GatewayRegistry) Codes() []string {
	codes := make([]string, 0, len(r.gateways))
	for code := range r.gateways {
		codes = append(codes, code)
	}
	return codes
}
