package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/events"
	"github.com/jia-app/eventbilling/internal/notify/channel"
	"github.com/jia-app/eventbilling/internal/repository/memory"
	"github.com/jia-app/eventbilling/internal/webhook"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    map[string]channel.Message
	failing map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: map[string]channel.Message{}, failing: map[string]error{}}
}

func (f *fakeSender) Send(_ context.Context, target string, msg channel.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[target]; ok {
		return err
	}
	f.sent[target] = msg
	return nil
}

func (f *fakeSender) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for k := range f.sent {
		out = append(out, k)
	}
	return out
}

type fakeWebhooks struct {
	mu     sync.Mutex
	calls  []webhook.Options
	urls   []string
	result webhook.Result
}

func (f *fakeWebhooks) Send(_ context.Context, url string, _ webhook.Payload, opts webhook.Options) webhook.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	f.calls = append(f.calls, opts)
	return f.result
}

type routerFixture struct {
	store    *memory.Store
	email    *fakeSender
	telegram *fakeSender
	whatsapp *fakeSender
	webhooks *fakeWebhooks
	logs     *observer.ObservedLogs
	router   *Router
}

func newRouterFixture(t *testing.T, opts ...Option) *routerFixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	f := &routerFixture{
		store:    memory.NewStore(),
		email:    newFakeSender(),
		telegram: newFakeSender(),
		whatsapp: newFakeSender(),
		webhooks: &fakeWebhooks{result: webhook.Result{Success: true, StatusCode: 200, Attempts: 1}},
		logs:     logs,
	}
	base := []Option{
		WithEmailSender(f.email),
		WithTelegramSender(f.telegram),
		WithWhatsAppSender(f.whatsapp),
		WithLogger(zap.New(core)),
		WithChannelTimeout(5 * time.Second),
	}
	f.router = NewRouter(f.store.EventSubscription(), f.store.DeliveryLog(), f.webhooks, append(base, opts...)...)
	return f
}

func (f *routerFixture) subscribe(t *testing.T, sub *domain.EventSubscription) *domain.EventSubscription {
	t.Helper()
	if len(sub.EventTypes) == 0 {
		sub.EventTypes = []domain.EventType{domain.EventPaymentSucceeded}
	}
	sub.IsActive = true
	require.NoError(t, f.store.EventSubscription().Create(context.Background(), sub))
	return sub
}

func paymentEvent(amount float64) domain.Event {
	return events.NewEvent(domain.EventPaymentSucceeded, map[string]interface{}{
		"paymentId": "pi_1",
		"amount":    amount,
		"currency":  "USD",
	})
}

func TestRouterFanOut(t *testing.T) {
	f := newRouterFixture(t)
	sub := f.subscribe(t, &domain.EventSubscription{
		Name:            "ops",
		Channels:        []domain.Channel{domain.ChannelEmail, domain.ChannelTelegram, domain.ChannelWebhook},
		EmailRecipients: []string{"ops@jia.app", "cfo@jia.app"},
		TelegramChatIDs: []string{"1001"},
		WebhookURL:      "https://hooks.jia.app/in",
		WebhookSecret:   "s3cret",
		WebhookHeaders:  map[string]string{"X-Tenant": "jia"},
	})

	ev := paymentEvent(10)
	res, err := f.router.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.ElementsMatch(t, []string{"ops@jia.app", "cfo@jia.app"}, f.email.targets())
	assert.Equal(t, []string{"1001"}, f.telegram.targets())
	require.Len(t, f.webhooks.calls, 1)
	assert.Equal(t, "https://hooks.jia.app/in", f.webhooks.urls[0])
	assert.Equal(t, "s3cret", f.webhooks.calls[0].Secret)
	assert.Equal(t, sub.ID, f.webhooks.calls[0].SubscriptionID)
	assert.Equal(t, "jia", f.webhooks.calls[0].Headers["X-Tenant"])

	logs, err := f.store.DeliveryLog().ListChannelLogs(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for _, l := range logs {
		assert.Equal(t, domain.DeliverySuccess, l.Status)
		assert.Equal(t, sub.ID, l.SubscriptionID)
	}
}

func TestRouterOneChannelFails(t *testing.T) {
	f := newRouterFixture(t)
	f.telegram.failing["1001"] = errors.New("telegram unavailable")
	f.subscribe(t, &domain.EventSubscription{
		Name:            "ops",
		Channels:        []domain.Channel{domain.ChannelEmail, domain.ChannelTelegram},
		EmailRecipients: []string{"ops@jia.app"},
		TelegramChatIDs: []string{"1001"},
	})

	ev := paymentEvent(10)
	res, err := f.router.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.NoRetry)
	assert.Contains(t, res.Error, "telegram unavailable")

	// the email channel still delivered
	assert.Equal(t, []string{"ops@jia.app"}, f.email.targets())

	logs, err := f.store.DeliveryLog().ListChannelLogs(context.Background(), ev.ID)
	require.NoError(t, err)
	statuses := map[domain.Channel]domain.DeliveryStatus{}
	for _, l := range logs {
		statuses[l.Channel] = l.Status
	}
	assert.Equal(t, domain.DeliverySuccess, statuses[domain.ChannelEmail])
	assert.Equal(t, domain.DeliveryFailed, statuses[domain.ChannelTelegram])
	assert.Equal(t, 1, f.logs.FilterMessage("Channel delivery failed").Len())
}

func TestRouterConfigErrorsAreNotRetried(t *testing.T) {
	f := newRouterFixture(t)
	f.subscribe(t, &domain.EventSubscription{
		Name:     "broken",
		Channels: []domain.Channel{domain.ChannelEmail, domain.ChannelWebhook},
	})

	res, err := f.router.Handle(context.Background(), paymentEvent(10))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.NoRetry)
	assert.Empty(t, f.webhooks.calls)
}

func TestRouterNilSenderIsConfigError(t *testing.T) {
	f := newRouterFixture(t, WithTelegramSender(nil))
	sub := f.subscribe(t, &domain.EventSubscription{
		Name:            "ops",
		Channels:        []domain.Channel{domain.ChannelTelegram},
		TelegramChatIDs: []string{"1001"},
	})

	res := f.router.Process(context.Background(), paymentEvent(1), sub, true)
	assert.False(t, res.Success)
	assert.True(t, res.NoRetry)
	require.Len(t, res.Channels, 1)
	assert.True(t, res.Channels[0].ConfigError)
}

func TestRouterFilters(t *testing.T) {
	f := newRouterFixture(t)
	sub := f.subscribe(t, &domain.EventSubscription{
		Name:            "large payments",
		Channels:        []domain.Channel{domain.ChannelEmail},
		EmailRecipients: []string{"ops@jia.app"},
		Filters:         []domain.Filter{{Field: "data.current.amount", Operator: domain.OpGt, Value: 100}},
	})

	t.Run("filtered out counts as success", func(t *testing.T) {
		res := f.router.Process(context.Background(), paymentEvent(50), sub, true)
		assert.True(t, res.Success)
		assert.True(t, res.Filtered)
		assert.Empty(t, f.email.targets())
	})

	t.Run("matching event is delivered", func(t *testing.T) {
		res := f.router.Process(context.Background(), paymentEvent(150), sub, true)
		assert.True(t, res.Success)
		assert.False(t, res.Filtered)
		assert.Equal(t, []string{"ops@jia.app"}, f.email.targets())
	})
}

func TestRouterSlackIsSkipped(t *testing.T) {
	f := newRouterFixture(t)
	sub := f.subscribe(t, &domain.EventSubscription{
		Name:     "slack",
		Channels: []domain.Channel{domain.ChannelSlack},
	})

	ev := paymentEvent(1)
	res := f.router.Process(context.Background(), ev, sub, true)
	assert.True(t, res.Success)
	require.Len(t, res.Channels, 1)
	assert.True(t, res.Channels[0].Skipped)

	logs, err := f.store.DeliveryLog().ListChannelLogs(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.DeliverySkipped, logs[0].Status)
}

func TestRouterWhatsAppSkipsInvalidNumbers(t *testing.T) {
	f := newRouterFixture(t)
	sub := f.subscribe(t, &domain.EventSubscription{
		Name:             "whatsapp",
		Channels:         []domain.Channel{domain.ChannelWhatsApp},
		WhatsAppContacts: []string{"89991234567", "123"},
	})

	res := f.router.Process(context.Background(), paymentEvent(1), sub, true)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"+79991234567"}, f.whatsapp.targets())
	assert.Equal(t, 1, f.logs.FilterMessage("Skipping invalid WhatsApp number").Len())
}

func TestRouterWebhookFailureIsRetryable(t *testing.T) {
	f := newRouterFixture(t)
	f.webhooks.result = webhook.Result{Success: false, StatusCode: 503, Error: "HTTP 503", Attempts: 3}
	f.subscribe(t, &domain.EventSubscription{
		Name:       "hook",
		Channels:   []domain.Channel{domain.ChannelWebhook},
		WebhookURL: "https://hooks.jia.app/in",
	})

	res, err := f.router.Handle(context.Background(), paymentEvent(1))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.NoRetry)
}

func TestRouterPanickingSender(t *testing.T) {
	f := newRouterFixture(t, WithEmailSender(panicSender{}))
	sub := f.subscribe(t, &domain.EventSubscription{
		Name:            "ops",
		Channels:        []domain.Channel{domain.ChannelEmail, domain.ChannelTelegram},
		EmailRecipients: []string{"ops@jia.app"},
		TelegramChatIDs: []string{"1001"},
	})

	res := f.router.Process(context.Background(), paymentEvent(1), sub, true)
	assert.False(t, res.Success)
	assert.Contains(t, res.Channels[0].Error, "panic")
	assert.True(t, res.Channels[1].Success)
}

type panicSender struct{}

func (panicSender) Send(context.Context, string, channel.Message) error {
	panic("boom")
}

func TestRouterNoSubscriptions(t *testing.T) {
	f := newRouterFixture(t)
	f.subscribe(t, &domain.EventSubscription{
		Name:            "other event",
		EventTypes:      []domain.EventType{domain.EventSubscriptionCanceled},
		Channels:        []domain.Channel{domain.ChannelEmail},
		EmailRecipients: []string{"ops@jia.app"},
	})

	res, err := f.router.Handle(context.Background(), paymentEvent(1))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, f.email.targets())
}

func TestRouterInactiveSubscriptionIgnored(t *testing.T) {
	f := newRouterFixture(t)
	sub := f.subscribe(t, &domain.EventSubscription{
		Name:            "paused",
		Channels:        []domain.Channel{domain.ChannelEmail},
		EmailRecipients: []string{"ops@jia.app"},
	})
	sub.IsActive = false
	require.NoError(t, f.store.EventSubscription().Update(context.Background(), sub))

	_, err := f.router.Handle(context.Background(), paymentEvent(1))
	require.NoError(t, err)
	assert.Empty(t, f.email.targets())
}

func TestRouterWithWebhookClient(t *testing.T) {
	var gotEvent, gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Jia-Event")
		gotSignature = r.Header.Get("X-Jia-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.NewStore()
	client := webhook.NewClient(webhook.WithAttemptLogger(store.DeliveryLog()))
	router := NewRouter(store.EventSubscription(), store.DeliveryLog(), client)

	sub := &domain.EventSubscription{
		Name:          "hook",
		EventTypes:    []domain.EventType{domain.EventPaymentSucceeded},
		IsActive:      true,
		Channels:      []domain.Channel{domain.ChannelWebhook},
		WebhookURL:    srv.URL,
		WebhookSecret: "s3cret",
	}
	require.NoError(t, store.EventSubscription().Create(context.Background(), sub))

	ev := paymentEvent(1)
	res, err := router.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, string(domain.EventPaymentSucceeded), gotEvent)
	assert.NotEmpty(t, gotSignature)

	attempts, err := store.DeliveryLog().ListWebhookLogs(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, sub.ID, attempts[0].SubscriptionID)
}

func TestRouterConfig(t *testing.T) {
	cfg := NewRouter(memory.NewStore().EventSubscription(), nil, nil).Config()
	assert.Equal(t, HandlerName, cfg.Name)
	assert.True(t, cfg.Async)
	assert.ElementsMatch(t, domain.AllEventTypes(), cfg.EventTypes)
}
