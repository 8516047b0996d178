// Package mercadopago provides the Mercado Pago checkout adapter.
package mercadopago

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

// ProviderCode is the catalog code and invoice origin for Mercado Pago.
const ProviderCode = "mercadopago"

// Config holds Mercado Pago adapter configuration.
type Config struct {
	BaseURL       string        `envconfig:"MERCADOPAGO_BASE_URL" default:"https://api.mercadopago.com"`
	AccessToken   string        `envconfig:"MERCADOPAGO_ACCESS_TOKEN"`
	WebhookSecret string        `envconfig:"MERCADOPAGO_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"MERCADOPAGO_TIMEOUT" default:"30s"`
}

// preferenceRequest is the checkout preference creation body.
type preferenceRequest struct {
	ExternalReference string `json:"external_reference"`
	Description       string `json:"description"`
	AmountMinor       int64  `json:"amount_minor"`
	Currency          string `json:"currency_id"`
	SuccessURL        string `json:"success_url,omitempty"`
	FailureURL        string `json:"failure_url,omitempty"`
}

// preferenceResponse is the checkout preference creation result.
type preferenceResponse struct {
	ID               string     `json:"id"`
	InitPoint        string     `json:"init_point"`
	DateOfExpiration *time.Time `json:"date_of_expiration,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// webhookPayload is the notification body.
type webhookPayload struct {
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Adapter implements the Mercado Pago payment gateway.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a new Mercado Pago adapter.
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

// CreateCharge creates a checkout preference for the invoice.
func (a *Adapter) CreateCharge(ctx context.Context, req billing.ChargeRequest) (*billing.Charge, error) {
	body, err := json.Marshal(preferenceRequest{
		ExternalReference: req.InvoicePublicID,
		Description:       req.Description,
		AmountMinor:       req.Amount.AmountMinor,
		Currency:          string(req.Amount.Currency),
		SuccessURL:        req.ReturnURL,
		FailureURL:        req.CancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding preference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.config.BaseURL+"/checkout/preferences", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building preference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.AccessToken)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling mercadopago: %w", billing.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading mercadopago response: %w", billing.ErrProviderUnavailable)
	}

	switch {
	case resp.StatusCode >= 500:
		a.logger.Warn("mercadopago server error", slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("mercadopago returned %d: %w", resp.StatusCode, billing.ErrProviderUnavailable)
	case resp.StatusCode >= 400:
		var e errorResponse
		_ = json.Unmarshal(respBody, &e)
		return nil, &billing.ProviderRejectedError{Code: e.Error, Reason: e.Message}
	}

	var pref preferenceResponse
	if err := json.Unmarshal(respBody, &pref); err != nil {
		return nil, fmt.Errorf("decoding preference response: %w", err)
	}

	return &billing.Charge{
		ExternalID:  pref.ID,
		ExternalURL: pref.InitPoint,
		ExpiresAt:   pref.DateOfExpiration,
		Raw:         respBody,
	}, nil
}

// VerifyWebhook checks the x-signature header: ts=<unix>,v1=<hmac>, where
// the HMAC-SHA256 is computed over "<ts>.<body>".
func (a *Adapter) VerifyWebhook(headers http.Header, payload []byte) bool {
	sig := headers.Get("x-signature")
	if sig == "" || a.config.WebhookSecret == "" {
		return false
	}

	var ts, v1 string
	for _, part := range strings.Split(sig, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.config.WebhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(v1)))
}

// eventTargets maps notification actions to the invoice status they imply.
// Unlisted actions are informational.
var eventTargets = map[string]billing.InvoiceStatus{
	"payment.approved":  billing.InvoicePaid,
	"payment.rejected":  billing.InvoiceFailed,
	"payment.cancelled": billing.InvoiceCancelled,
	"payment.expired":   billing.InvoiceExpired,
}

// ParseEvent implements billing.Gateway.
func (a *Adapter) ParseEvent(payload []byte) (*billing.ProviderEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding mercadopago notification: %w", err)
	}
	if p.Data.ID == "" {
		return nil, fmt.Errorf("mercadopago notification missing data.id")
	}

	return &billing.ProviderEvent{
		ExternalID: p.Data.ID,
		EventType:  p.Action,
		Target:     eventTargets[p.Action],
	}, nil
}
