package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/auth"
	"github.com/jia-app/eventbilling/internal/billing"
	"github.com/jia-app/eventbilling/internal/config"
	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/events"
	"github.com/jia-app/eventbilling/internal/notify"
	"github.com/jia-app/eventbilling/internal/repository/memory"
	"github.com/jia-app/eventbilling/internal/subscription"
)

type tokenValidator map[string]auth.Principal

func (v tokenValidator) Validate(_ context.Context, token string) (auth.Principal, error) {
	p, ok := v[token]
	if !ok {
		return auth.Principal{}, auth.ErrUnauthenticated
	}
	return p, nil
}

type fakeStripe struct {
	notification billing.WebhookNotification
	ok           bool
	err          error
}

func (f fakeStripe) ParseWebhook([]byte, string, time.Time) (billing.WebhookNotification, bool, error) {
	return f.notification, f.ok, f.err
}

type busyRunner struct{}

func (busyRunner) RunOnce(context.Context) (subscription.BatchResult, error) {
	return subscription.BatchResult{}, subscription.ErrRunInProgress
}

type apiFixture struct {
	store  *memory.Store
	bus    *events.Bus
	server *Server
}

func newAPIFixture(t *testing.T, mutate func(*Deps)) *apiFixture {
	t.Helper()
	store := memory.NewStore()
	bus := events.NewBus()
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	factory := events.Factory{Source: "test", Version: "1.0"}
	router := notify.NewRouter(store.EventSubscription(), store.DeliveryLog(), nil)

	gateways := billing.NewRouter(zap.NewNop())
	gateways.Register("mock", billing.NewMockGateway())
	engine := subscription.NewEngine(store, gateways, bus, subscription.DefaultConfig(),
		subscription.WithEventFactory(factory))

	deps := Deps{
		Admin:         notify.NewAdmin(store.EventSubscription(), router, factory, zap.NewNop()),
		Bus:           bus,
		Billing:       subscription.NewScheduler(engine, nil, time.Hour, time.Minute, zap.NewNop()),
		Subscriptions: engine,
		Deliveries:    store.DeliveryLog(),
		Factory:       factory,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &apiFixture{store: store, bus: bus, server: NewServer(config.HTTPConfig{Address: ":0"}, deps)}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestAuthentication(t *testing.T) {
	f := newAPIFixture(t, func(d *Deps) {
		d.Validator = tokenValidator{
			"admin-token":  {UserID: "u1", Roles: []string{"admin"}},
			"viewer-token": {UserID: "u2", Roles: []string{"viewer"}},
		}
		d.AdminRole = "admin"
	})

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{name: "missing token", header: "", code: http.StatusUnauthorized},
		{name: "unknown token", header: "Bearer nope", code: http.StatusUnauthorized},
		{name: "missing role", header: "Bearer viewer-token", code: http.StatusForbidden},
		{name: "admin", header: "Bearer admin-token", code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/v1/event-subscriptions", nil, "Authorization", tt.header)
			assert.Equal(t, tt.code, rec.Code)
		})
	}

	// health stays public
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).Code)
}

func TestEventSubscriptionRoutes(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/event-subscriptions", map[string]interface{}{"name": "bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/event-subscriptions", map[string]interface{}{
		"name":        "slack ops",
		"event_types": []string{"payment.failed"},
		"is_active":   true,
		"channels":    []string{"SLACK"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created domain.EventSubscription
	decode(t, rec, &created)
	require.NotEmpty(t, created.ID)

	rec = f.do(t, http.MethodGet, "/v1/event-subscriptions/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/event-subscriptions/"+created.ID, map[string]interface{}{
		"name":        "renamed",
		"event_types": []string{"payment.failed"},
		"channels":    []string{"SLACK"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated domain.EventSubscription
	decode(t, rec, &updated)
	assert.Equal(t, "renamed", updated.Name)

	rec = f.do(t, http.MethodPost, "/v1/event-subscriptions/"+created.ID+"/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res notify.SubscriptionResult
	decode(t, rec, &res)
	assert.True(t, res.Success)

	rec = f.do(t, http.MethodPost, "/v1/event-subscriptions/"+created.ID+"/test", map[string]string{"event_type": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/event-subscriptions/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/event-subscriptions/"+created.ID, nil).Code)
}

func TestEventSubscriptionSecretIsWriteOnly(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/event-subscriptions", map[string]interface{}{
		"name":           "hooks",
		"event_types":    []string{"payment.failed"},
		"channels":       []string{"WEBHOOK"},
		"webhook_url":    "https://hooks.jia.app/in",
		"webhook_secret": "s3cr3t",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cr3t")
	var created map[string]interface{}
	decode(t, rec, &created)
	assert.Equal(t, true, created["has_webhook_secret"])
	assert.NotContains(t, created, "webhook_secret")
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	for _, path := range []string{"/v1/event-subscriptions/" + id, "/v1/event-subscriptions"} {
		rec = f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "s3cr3t", path)
		assert.Contains(t, rec.Body.String(), `"has_webhook_secret":true`, path)
	}

	stored, err := f.store.EventSubscription().GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", stored.WebhookSecret)
}

func TestSubscriptionLifecycleRoutes(t *testing.T) {
	f := newAPIFixture(t, nil)
	plan := domain.Plan{
		ID:       "basic",
		Name:     "Basic",
		Amount:   decimal.RequireFromString("9.99"),
		Currency: "USD",
		Period:   domain.PeriodMonthly,
		Active:   true,
	}
	require.NoError(t, f.store.Plan().Create(context.Background(), &plan))

	rec := f.do(t, http.MethodPost, "/v1/subscriptions", map[string]string{
		"user_id":          "user-1",
		"plan_id":          "basic",
		"payment_provider": "mock",
		"payment_method":   "card",
		"payment_token":    "tok_visa",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sub domain.Subscription
	decode(t, rec, &sub)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)

	rec = f.do(t, http.MethodPost, "/v1/subscriptions/"+sub.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &sub)
	assert.Equal(t, domain.SubscriptionStatusPaused, sub.Status)

	rec = f.do(t, http.MethodPost, "/v1/subscriptions/"+sub.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/subscriptions/"+sub.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &sub)
	assert.Equal(t, domain.SubscriptionStatusCanceled, sub.Status)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/subscriptions/"+sub.ID+"/resume", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/subscriptions/missing/pause", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/v1/subscriptions/"+sub.ID+"/plan", map[string]string{}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/subscriptions", map[string]string{"plan_id": "basic"}).Code)
}

func TestBillingRun(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/billing/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res subscription.BatchResult
	decode(t, rec, &res)
	assert.Equal(t, subscription.BatchResult{}, res)

	busy := newAPIFixture(t, func(d *Deps) { d.Billing = busyRunner{} })
	assert.Equal(t, http.StatusConflict, busy.do(t, http.MethodPost, "/v1/billing/run", nil).Code)
}

func TestEventRoutes(t *testing.T) {
	f := newAPIFixture(t, nil)
	for i := 0; i < 3; i++ {
		_, err := f.bus.Publish(context.Background(), events.NewEvent(domain.EventPaymentSucceeded, map[string]interface{}{"n": i}))
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/v1/events/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Events []domain.Event `json:"events"`
	}
	decode(t, rec, &history)
	assert.Len(t, history.Events, 2)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/events/history?limit=x", nil).Code)

	rec = f.do(t, http.MethodGet, "/v1/events/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats events.Stats
	decode(t, rec, &stats)
	assert.Equal(t, int64(3), stats.TotalEvents)

	rec = f.do(t, http.MethodGet, "/v1/events/evt-1/deliveries", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStripeWebhook(t *testing.T) {
	t.Run("not mounted without a parser", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/stripe/webhook", nil).Code)
	})

	t.Run("invalid signature", func(t *testing.T) {
		f := newAPIFixture(t, func(d *Deps) { d.Stripe = fakeStripe{err: errors.New("bad signature")} })
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/stripe/webhook", nil).Code)
	})

	t.Run("ignored type", func(t *testing.T) {
		f := newAPIFixture(t, func(d *Deps) { d.Stripe = fakeStripe{} })
		rec := f.do(t, http.MethodPost, "/v1/stripe/webhook", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, f.bus.History(10))
	})

	t.Run("published", func(t *testing.T) {
		f := newAPIFixture(t, func(d *Deps) {
			d.Stripe = fakeStripe{ok: true, notification: billing.WebhookNotification{
				StripeEventID: "evt_123",
				Type:          domain.EventPaymentSucceeded,
				Data:          map[string]interface{}{"paymentId": "pi_1"},
			}}
		})
		rec := f.do(t, http.MethodPost, "/v1/stripe/webhook", nil, "Stripe-Signature", "t=1,v1=abc")
		require.Equal(t, http.StatusOK, rec.Code)

		history := f.bus.History(10)
		require.Len(t, history, 1)
		assert.Equal(t, domain.EventPaymentSucceeded, history[0].Type)
		assert.Equal(t, "evt_123", history[0].Metadata["stripeEventId"])
		assert.Equal(t, "test", history[0].Source)
	})
}

func TestHTTPStatusMapping(t *testing.T) {
	code, _ := httpStatus(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, code)

	code, _ = httpStatus(subscription.ErrPlanInactive)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

type countingLimiter struct {
	limit int
	seen  map[string]int
	err   error
}

func (l *countingLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.seen[key]++
	return l.seen[key] <= l.limit, nil
}

func TestRateLimit(t *testing.T) {
	limiter := &countingLimiter{limit: 1, seen: map[string]int{}}
	f := newAPIFixture(t, func(d *Deps) {
		d.Validator = tokenValidator{"admin-token": {UserID: "u1", Roles: []string{"admin"}}}
		d.AdminRole = "admin"
		d.RateLimiter = limiter
	})

	rec := f.do(t, http.MethodGet, "/v1/events/stats", nil, "Authorization", "Bearer admin-token")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/events/stats", nil, "Authorization", "Bearer admin-token")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 2, limiter.seen["user:u1"])

	rec = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health is not limited")
}

func TestRateLimitFailsOpen(t *testing.T) {
	f := newAPIFixture(t, func(d *Deps) {
		d.RateLimiter = &countingLimiter{err: errors.New("redis down")}
	})
	rec := f.do(t, http.MethodGet, "/v1/events/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
