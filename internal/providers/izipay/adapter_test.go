package izipay

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
		BaseURL:  baseURL,
		Username: "shop",
		Password: "secret",
		HMACKey:  "hmac-key",
		Timeout:  5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreateCharge(t *testing.T) {
	t.Run("creates a hosted order", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api-payment/V4/Charge/CreatePayment", r.URL.Path)
			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "shop", user)
			assert.Equal(t, "secret", pass)
			fmt.Fprint(w, `{"orderId":"iz-7","paymentUrl":"https://iz.example/p/iz-7"}`)
		}))
		defer server.Close()

		charge, err := testAdapter(server.URL).CreateCharge(context.Background(), billing.ChargeRequest{
			InvoicePublicID: "inv_01TEST",
			Amount:          money.New(150000, money.PEN),
		})
		require.NoError(t, err)
		assert.Equal(t, "iz-7", charge.ExternalID)
		assert.Equal(t, "https://iz.example/p/iz-7", charge.ExternalURL)
	})

	t.Run("treats an embedded error code as a rejection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"errorCode":"PSP_099","errorMessage":"order refused"}`)
		}))
		defer server.Close()

		_, err := testAdapter(server.URL).CreateCharge(context.Background(), billing.ChargeRequest{
			Amount: money.New(150000, money.PEN),
		})
		rejection, ok := billing.IsProviderRejected(err)
		require.True(t, ok)
		assert.Equal(t, "PSP_099", rejection.Code)
	})

	t.Run("maps 5xx to unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := testAdapter(server.URL).CreateCharge(context.Background(), billing.ChargeRequest{
			Amount: money.New(150000, money.PEN),
		})
		assert.ErrorIs(t, err, billing.ErrProviderUnavailable)
	})
}

func TestVerifyWebhook(t *testing.T) {
	a := testAdapter("")
	payload := []byte(`{"orderId":"iz-7","orderStatus":"PAID"}`)

	sign := func(key string) string {
		mac := hmac.New(sha256.New, []byte(key))
		mac.Write(payload)
		return hex.EncodeToString(mac.Sum(nil))
	}

	t.Run("accepts a valid signature", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("kr-hash", sign("hmac-key"))
		assert.True(t, a.VerifyWebhook(headers, payload))
	})

	t.Run("rejects a wrong key", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("kr-hash", sign("other"))
		assert.False(t, a.VerifyWebhook(headers, payload))
	})

	t.Run("rejects a missing header", func(t *testing.T) {
		assert.False(t, a.VerifyWebhook(http.Header{}, payload))
	})
}

func TestParseEvent(t *testing.T) {
	a := testAdapter("")

	tests := []struct {
		status string
		target billing.InvoiceStatus
	}{
		{"PAID", billing.InvoicePaid},
		{"UNPAID", billing.InvoiceFailed},
		{"ABANDONED", billing.InvoiceCancelled},
		{"EXPIRED", billing.InvoiceExpired},
		{"RUNNING", ""},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			payload := []byte(fmt.Sprintf(`{"orderId":"iz-7","orderStatus":%q}`, tt.status))
			event, err := a.ParseEvent(payload)
			require.NoError(t, err)
			assert.Equal(t, "iz-7", event.ExternalID)
			assert.Equal(t, tt.target, event.Target)
		})
	}

	t.Run("rejects a missing reference", func(t *testing.T) {
		_, err := a.ParseEvent([]byte(`{"orderStatus":"PAID"}`))
		assert.Error(t, err)
	})
}
