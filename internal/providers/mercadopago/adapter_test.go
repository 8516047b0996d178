package mercadopago

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentpay/internal/billing"
	"rentpay/internal/common/money"
)

func testAdapter(baseURL string) *Adapter {
	return NewAdapter(Config{
		BaseURL:       baseURL,
		AccessToken:   "test-token",
		WebhookSecret: "shhh",
		Timeout:       5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func chargeRequest() billing.ChargeRequest {
	return billing.ChargeRequest{
		PaymentPublicID: "pay_01TEST",
		InvoicePublicID: "inv_01TEST",
		Amount:          money.New(150000, money.PEN),
		Description:     "Rent payment",
	}
}

func TestCreateCharge(t *testing.T) {
	t.Run("returns the external reference", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/checkout/preferences", r.URL.Path)
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"mp-pref-1","init_point":"https://mp.example/pay/mp-pref-1"}`)
		}))
		defer server.Close()

		charge, err := testAdapter(server.URL).CreateCharge(context.Background(), chargeRequest())
		require.NoError(t, err)
		assert.Equal(t, "mp-pref-1", charge.ExternalID)
		assert.Equal(t, "https://mp.example/pay/mp-pref-1", charge.ExternalURL)
	})

	t.Run("maps 4xx to a rejection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_collector","message":"collector not allowed"}`)
		}))
		defer server.Close()

		_, err := testAdapter(server.URL).CreateCharge(context.Background(), chargeRequest())
		rejection, ok := billing.IsProviderRejected(err)
		require.True(t, ok)
		assert.Equal(t, "invalid_collector", rejection.Code)
		assert.Equal(t, "collector not allowed", rejection.Reason)
	})

	t.Run("maps 5xx to unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		_, err := testAdapter(server.URL).CreateCharge(context.Background(), chargeRequest())
		assert.ErrorIs(t, err, billing.ErrProviderUnavailable)
	})

	t.Run("maps connection failures to unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		_, err := testAdapter(server.URL).CreateCharge(context.Background(), chargeRequest())
		assert.ErrorIs(t, err, billing.ErrProviderUnavailable)
	})
}

func signPayload(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhook(t *testing.T) {
	a := testAdapter("")
	payload := []byte(`{"action":"payment.approved","data":{"id":"mp-1"}}`)

	t.Run("accepts a valid signature", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("x-signature", "ts=1725200000,v1="+signPayload("shhh", "1725200000", payload))
		assert.True(t, a.VerifyWebhook(headers, payload))
	})

	t.Run("rejects a wrong secret", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("x-signature", "ts=1725200000,v1="+signPayload("wrong", "1725200000", payload))
		assert.False(t, a.VerifyWebhook(headers, payload))
	})

	t.Run("rejects a tampered body", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("x-signature", "ts=1725200000,v1="+signPayload("shhh", "1725200000", payload))
		assert.False(t, a.VerifyWebhook(headers, []byte(`{"action":"payment.approved","data":{"id":"mp-2"}}`)))
	})

	t.Run("rejects a missing header", func(t *testing.T) {
		assert.False(t, a.VerifyWebhook(http.Header{}, payload))
	})

	t.Run("rejects malformed signature parts", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("x-signature", "v1=deadbeef")
		assert.False(t, a.VerifyWebhook(headers, payload))
	})
}

func TestParseEvent(t *testing.T) {
	a := testAdapter("")

	tests := []struct {
		action string
		target billing.InvoiceStatus
	}{
		{"payment.approved", billing.InvoicePaid},
		{"payment.rejected", billing.InvoiceFailed},
		{"payment.cancelled", billing.InvoiceCancelled},
		{"payment.expired", billing.InvoiceExpired},
		{"payment.created", ""},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			payload := []byte(fmt.Sprintf(`{"action":%q,"data":{"id":"mp-1"}}`, tt.action))
			event, err := a.ParseEvent(payload)
			require.NoError(t, err)
			assert.Equal(t, "mp-1", event.ExternalID)
			assert.Equal(t, tt.action, event.EventType)
			assert.Equal(t, tt.target, event.Target)
		})
	}

	t.Run("rejects a missing reference", func(t *testing.T) {
		_, err := a.ParseEvent([]byte(`{"action":"payment.approved","data":{}}`))
		assert.Error(t, err)
	})

	t.Run("rejects non-JSON", func(t *testing.T) {
		_, err := a.ParseEvent([]byte("not json"))
		assert.Error(t, err)
	})
}
