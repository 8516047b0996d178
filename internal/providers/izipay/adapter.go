// Package izipay provides the Izipay card-processing adapter.
package izipay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
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

// ProviderCode is the catalog code and invoice origin for Izipay.
const ProviderCode = "izipay"

// Config holds Izipay adapter configuration.
type Config struct {
	BaseURL  string        `envconfig:"IZIPAY_BASE_URL" default:"https://api.micuentaweb.pe"`
	Username string        `envconfig:"IZIPAY_USERNAME"`
	Password string        `envconfig:"IZIPAY_PASSWORD"`
	HMACKey  string        `envconfig:"IZIPAY_HMAC_KEY"`
	Timeout  time.Duration `envconfig:"IZIPAY_TIMEOUT" default:"30s"`
}

// createPaymentRequest is the payment form token creation body.
type createPaymentRequest struct {
	OrderID     string `json:"orderId"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"orderDescription,omitempty"`
	ReturnURL   string `json:"returnUrl,omitempty"`
	CancelURL   string `json:"cancelUrl,omitempty"`
}

// createPaymentResponse is the payment form token creation result.
type createPaymentResponse struct {
	OrderID    string `json:"orderId"`
	PaymentURL string `json:"paymentUrl"`
	ErrorCode  string `json:"errorCode,omitempty"`
	ErrorMsg   string `json:"errorMessage,omitempty"`
}

// notificationPayload is the IPN body.
type notificationPayload struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

// Adapter implements the Izipay payment gateway.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a new Izipay adapter.
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

// CreateCharge creates a hosted payment order.
func (a *Adapter) CreateCharge(ctx context.Context, req billing.ChargeRequest) (*billing.Charge, error) {
	body, err := json.Marshal(createPaymentRequest{
		OrderID:     req.InvoicePublicID,
		AmountMinor: req.Amount.AmountMinor,
		Currency:    string(req.Amount.Currency),
		Description: req.Description,
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding payment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.config.BaseURL+"/api-payment/V4/Charge/CreatePayment", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building payment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(a.config.Username, a.config.Password)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling izipay: %w", billing.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading izipay response: %w", billing.ErrProviderUnavailable)
	}

	switch {
	case resp.StatusCode >= 500:
		a.logger.Warn("izipay server error", slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("izipay returned %d: %w", resp.StatusCode, billing.ErrProviderUnavailable)
	case resp.StatusCode >= 400:
		var e createPaymentResponse
		_ = json.Unmarshal(respBody, &e)
		return nil, &billing.ProviderRejectedError{Code: e.ErrorCode, Reason: e.ErrorMsg}
	}

	var out createPaymentResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decoding payment response: %w", err)
	}
	if out.ErrorCode != "" {
		return nil, &billing.ProviderRejectedError{Code: out.ErrorCode, Reason: out.ErrorMsg}
	}

	return &billing.Charge{
		ExternalID:  out.OrderID,
		ExternalURL: out.PaymentURL,
		Raw:         respBody,
	}, nil
}

// VerifyWebhook checks the kr-hash header, an HMAC-SHA256 hex digest over
// the raw body keyed with the HMAC key.
func (a *Adapter) VerifyWebhook(headers http.Header, payload []byte) bool {
	sig := headers.Get("kr-hash")
	if sig == "" || a.config.HMACKey == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.config.HMACKey))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sig)))
}

// eventTargets maps order statuses to the invoice status they imply.
// RUNNING means the shopper is still in the payment flow.
var eventTargets = map[string]billing.InvoiceStatus{
	"PAID":      billing.InvoicePaid,
	"UNPAID":    billing.InvoiceFailed,
	"ABANDONED": billing.InvoiceCancelled,
	"EXPIRED":   billing.InvoiceExpired,
}

// ParseEvent implements billing.Gateway.
func (a *Adapter) ParseEvent(payload []byte) (*billing.ProviderEvent, error) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding izipay notification: %w", err)
	}
	if p.OrderID == "" {
		return nil, fmt.Errorf("izipay notification missing orderId")
	}

	return &billing.ProviderEvent{
		ExternalID: p.OrderID,
		EventType:  p.OrderStatus,
		Target:     eventTargets[p.OrderStatus],
	}, nil
}
