// Package nowpayments provides the NOWPayments crypto gateway adapter.
package nowpayments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rentpay/internal/billing"
)

// ProviderCode is the catalog code and invoice origin for NOWPayments.
const ProviderCode = "nowpayments"

// Config holds NOWPayments adapter configuration.
type Config struct {
	BaseURL   string        `envconfig:"NOWPAYMENTS_BASE_URL" default:"https://api.nowpayments.io/v1"`
	APIKey    string        `envconfig:"NOWPAYMENTS_API_KEY"`
	IPNSecret string        `envconfig:"NOWPAYMENTS_IPN_SECRET"`
	Timeout   time.Duration `envconfig:"NOWPAYMENTS_TIMEOUT" default:"30s"`
}

// invoiceRequest is the hosted invoice creation body.
type invoiceRequest struct {
	OrderID          string  `json:"order_id"`
	OrderDescription string  `json:"order_description"`
	PriceAmount      float64 `json:"price_amount"`
	PriceCurrency    string  `json:"price_currency"`
	SuccessURL       string  `json:"success_url,omitempty"`
	CancelURL        string  `json:"cancel_url,omitempty"`
}

// invoiceResponse is the hosted invoice creation result.
type invoiceResponse struct {
	ID         string `json:"id"`
	InvoiceURL string `json:"invoice_url"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ipnPayload is the instant payment notification body.
type ipnPayload struct {
	InvoiceID     string `json:"invoice_id"`
	PaymentStatus string `json:"payment_status"`
}

// Adapter implements the NOWPayments crypto gateway.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a new NOWPayments adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

var _ billing.Gateway = (*Adapter)(nil)

// Code implements billing.Gateway.
func (a *Adapter) Code() string { return ProviderCode }

// CreateCharge creates a hosted crypto invoice.
func (a *Adapter) CreateCharge(ctx context.Context, req billing.ChargeRequest) (*billing.Charge, error) {
	body, err := json.Marshal(invoiceRequest{
		OrderID:          req.InvoicePublicID,
		OrderDescription: req.Description,
		PriceAmount:      req.Amount.ToMajor(),
		PriceCurrency:    strings.ToLower(string(req.Amount.Currency)),
		SuccessURL:       req.ReturnURL,
		CancelURL:        req.CancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding invoice request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.config.BaseURL+"/invoice", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building invoice request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.config.APIKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling nowpayments: %w", billing.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading nowpayments response: %w", billing.ErrProviderUnavailable)
	}

	switch {
	case resp.StatusCode >= 500:
		a.logger.Warn("nowpayments server error", slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("nowpayments returned %d: %w", resp.StatusCode, billing.ErrProviderUnavailable)
	case resp.StatusCode >= 400:
		var e errorResponse
		_ = json.Unmarshal(respBody, &e)
		return nil, &billing.ProviderRejectedError{Code: e.Code, Reason: e.Message}
	}

	var inv invoiceResponse
	if err := json.Unmarshal(respBody, &inv); err != nil {
		return nil, fmt.Errorf("decoding invoice response: %w", err)
	}

	return &billing.Charge{
		ExternalID:  inv.ID,
		ExternalURL: inv.InvoiceURL,
		Raw:         respBody,
	}, nil
}

// VerifyWebhook checks the x-nowpayments-sig header, an HMAC-SHA512 hex
// digest over the raw body keyed with the IPN secret.
func (a *Adapter) VerifyWebhook(headers http.Header, payload []byte) bool {
	sig := headers.Get("x-nowpayments-sig")
	if sig == "" || a.config.IPNSecret == "" {
		return false
	}

	mac := hmac.New(sha512.New, []byte(a.config.IPNSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sig)))
}

// eventTargets maps IPN payment statuses to the invoice status they imply.
// waiting, confirming, sending and partially_paid are in-flight states the
// reconciler treats as informational.
var eventTargets = map[string]billing.InvoiceStatus{
	"finished":  billing.InvoicePaid,
	"confirmed": billing.InvoicePaid,
	"failed":    billing.InvoiceFailed,
	"expired":   billing.InvoiceExpired,
	"refunded":  billing.InvoiceCancelled,
}

// ParseEvent implements billing.Gateway.
func (a *Adapter) ParseEvent(payload []byte) (*billing.ProviderEvent, error) {
	var p ipnPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding nowpayments notification: %w", err)
	}
	if p.InvoiceID == "" {
		return nil, fmt.Errorf("nowpayments notification missing invoice_id")
	}

	return &billing.ProviderEvent{
		ExternalID: p.InvoiceID,
		EventType:  p.PaymentStatus,
		Target:     eventTargets[p.PaymentStatus],
	}, nil
}
