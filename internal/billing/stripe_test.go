package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/domain"
)

func newTestStripe(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backends := &stripe.Backends{
		API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(srv.URL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		}),
	}
	g, err := NewStripeGateway("sk_test_123", "whsec_test", backends, zap.NewNop())
	require.NoError(t, err)
	return g
}

func TestToMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1999), toMinorUnits(decimal.RequireFromString("19.99"), "USD"))
	assert.Equal(t, int64(1000), toMinorUnits(decimal.RequireFromString("10"), "eur"))
	assert.Equal(t, int64(500), toMinorUnits(decimal.RequireFromString("500"), "JPY"))
}

func TestStripeGateway_ChargeSucceeded(t *testing.T) {
	var form map[string]string
	var idempotencyKey string
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/payment_intents"))
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		idempotencyKey = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_123","object":"payment_intent","status":"succeeded","amount":1999,"currency":"usd"}`)
	})

	req := chargeReq(ProviderStripe, "cus_1|pm_card", "sub_1_20240101_0")
	res, err := g.Charge(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, ChargeSucceeded, res.Status)
	assert.Equal(t, "pi_123", res.PaymentID)
	assert.Contains(t, string(res.RawResponse), "pi_123")
	assert.Equal(t, "sub_1_20240101_0", idempotencyKey)
	assert.Equal(t, "1999", form["amount"])
	assert.Equal(t, "usd", form["currency"])
	assert.Equal(t, "pm_card", form["payment_method"])
	assert.Equal(t, "cus_1", form["customer"])
	assert.Equal(t, "true", form["confirm"])
	assert.Equal(t, "sub_1_20240101_0", form["metadata[order_reference]"])
}

func TestStripeGateway_CardDeclinedIsResult(t *testing.T) {
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card was declined.","payment_intent":{"id":"pi_9","object":"payment_intent","status":"requires_payment_method"}}}`)
	})

	res, err := g.Charge(context.Background(), chargeReq(ProviderStripe, "pm_card", "ref"))
	require.NoError(t, err)
	assert.Equal(t, ChargeFailed, res.Status)
	assert.Equal(t, "pi_9", res.PaymentID)
	assert.Contains(t, res.ErrorMessage, "insufficient_funds")
}

func TestStripeGateway_APIErrorIsError(t *testing.T) {
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"Invalid API Key provided"}}`)
	})

	_, err := g.Charge(context.Background(), chargeReq(ProviderStripe, "pm_card", "ref"))
	assert.Error(t, err)
}

func TestStripeGateway_Refund(t *testing.T) {
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/refunds"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "pi_123", r.PostForm.Get("payment_intent"))
		assert.Equal(t, "500", r.PostForm.Get("amount"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"re_1","object":"refund","status":"succeeded"}`)
	})

	res, err := g.Refund(context.Background(), RefundRequest{
		PaymentID: "pi_123",
		Amount:    decimal.RequireFromString("5"),
		Currency:  "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, ChargeSucceeded, res.Status)
	assert.Equal(t, "re_1", res.RefundID)
}

func TestStripeGateway_Void(t *testing.T) {
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/payment_intents/pi_123/cancel"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_123","object":"payment_intent","status":"canceled"}`)
	})

	res, err := g.Void(context.Background(), VoidRequest{PaymentID: "pi_123"})
	require.NoError(t, err)
	assert.Equal(t, ChargeSucceeded, res.Status)
}

func TestStripeGateway_ParseWebhook(t *testing.T) {
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {})
	now := time.Now()

	payload := []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","created":%d,"data":{"object":{"id":"pi_123","object":"payment_intent","amount":1999,"currency":"usd","status":"succeeded","metadata":{"order_reference":"sub_1_20240101_0"}}}}`, now.Unix()))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: now,
	})

	n, ok, err := g.ParseWebhook(signed.Payload, signed.Header, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.EventPaymentSucceeded, n.Type)
	assert.Equal(t, "evt_1", n.StripeEventID)
	assert.Equal(t, "pi_123", n.Data["paymentId"])
	assert.Equal(t, "USD", n.Data["currency"])
	assert.Equal(t, "sub_1_20240101_0", n.Data["orderReference"])

	_, _, err = g.ParseWebhook(signed.Payload, "t=1,v1=bad", now)
	assert.Error(t, err)
}

func TestStripeGateway_IgnoresUnhandledWebhook(t *testing.T) {
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {})
	now := time.Now()

	payload := []byte(fmt.Sprintf(`{"id":"evt_2","object":"event","type":"customer.created","created":%d,"data":{"object":{"id":"cus_1"}}}`, now.Unix()))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_test", Timestamp: now})

	_, ok, err := g.ParseWebhook(signed.Payload, signed.Header, now)
	require.NoError(t, err)
	assert.False(t, ok)
}
