// Package notify routes bus events to the channels of matching event
// subscriptions and administers those subscriptions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/events"
	"github.com/jia-app/eventbilling/internal/metrics"
	"github.com/jia-app/eventbilling/internal/notify/channel"
	"github.com/jia-app/eventbilling/internal/repository"
	"github.com/jia-app/eventbilling/internal/tracing"
	"github.com/jia-app/eventbilling/internal/webhook"
)

// HandlerName is the bus registration name of the router
const HandlerName = "notification-router"

// DefaultChannelTimeout bounds one channel dispatch, webhook retries included
const DefaultChannelTimeout = 2 * time.Minute

// WebhookSender is the part of webhook.Client the router uses
type WebhookSender interface {
	Send(ctx context.Context, url string, payload webhook.Payload, opts webhook.Options) webhook.Result
}

// ChannelLogger persists one row per channel dispatch
type ChannelLogger interface {
	InsertChannelLog(ctx context.Context, entry *domain.ChannelDeliveryLog) error
}

// ChannelResult is the outcome of one channel for one subscription
type ChannelResult struct {
	Channel    domain.Channel `json:"channel"`
	Success    bool           `json:"success"`
	Skipped    bool           `json:"skipped,omitempty"`
	Error      string         `json:"error,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	// ConfigError marks failures that resending cannot fix
	ConfigError bool `json:"config_error,omitempty"`
}

// SubscriptionResult is the outcome of routing one event to one subscription
type SubscriptionResult struct {
	SubscriptionID string          `json:"subscription_id"`
	Filtered       bool            `json:"filtered,omitempty"`
	Success        bool            `json:"success"`
	NoRetry        bool            `json:"no_retry"`
	Channels       []ChannelResult `json:"channels,omitempty"`
}

// Router is the bus handler that fans events out to notification channels
type Router struct {
	subscriptions repository.EventSubscriptionRepository
	logs          ChannelLogger
	webhooks      WebhookSender
	email         channel.Sender
	telegram      channel.Sender
	whatsapp      channel.Sender
	timeout       time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// Option configures a Router
type Option func(*Router)

// WithEmailSender enables the EMAIL channel
func WithEmailSender(s channel.Sender) Option {
	return func(r *Router) { r.email = s }
}

// WithTelegramSender enables the TELEGRAM channel
func WithTelegramSender(s channel.Sender) Option {
	return func(r *Router) { r.telegram = s }
}

// WithWhatsAppSender enables the WHATSAPP channel
func WithWhatsAppSender(s channel.Sender) Option {
	return func(r *Router) { r.whatsapp = s }
}

// WithChannelTimeout bounds each channel dispatch
func WithChannelTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithLogger sets the router logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a notification router. logs may be nil.
func NewRouter(subscriptions repository.EventSubscriptionRepository, logs ChannelLogger, webhooks WebhookSender, opts ...Option) *Router {
	r := &Router{
		subscriptions: subscriptions,
		logs:          logs,
		webhooks:      webhooks,
		timeout:       DefaultChannelTimeout,
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config is the bus registration for the router: every event type, async
func (r *Router) Config() events.HandlerConfig {
	return events.HandlerConfig{
		Name:       HandlerName,
		EventTypes: domain.AllEventTypes(),
		Handler:    r,
		Priority:   10,
		Async:      true,
	}
}

// Handle implements events.Handler. It fails when any subscription had a
// failed channel, and marks the failure permanent when every failure was a
// configuration problem.
func (r *Router) Handle(ctx context.Context, ev domain.Event) (events.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "notify.route",
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", string(ev.Type)))
	defer span.End()

	subs, err := r.subscriptions.FindActiveForEvent(ctx, ev.Type)
	if err != nil {
		tracing.RecordError(span, err)
		return events.Result{}, fmt.Errorf("failed to load event subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return events.Ok(), nil
	}

	results := make([]SubscriptionResult, 0, len(subs))
	var failures []string
	retryable := false
	for _, sub := range subs {
		res := r.Process(ctx, ev, sub, true)
		results = append(results, res)
		if res.Success {
			continue
		}
		if !res.NoRetry {
			retryable = true
		}
		for _, ch := range res.Channels {
			if !ch.Success {
				failures = append(failures, fmt.Sprintf("%s/%s: %s", sub.ID, ch.Channel, ch.Error))
			}
		}
	}

	span.SetAttributes(attribute.Int("notify.subscriptions", len(subs)))
	if len(failures) == 0 {
		return events.Result{Success: true, Data: map[string]interface{}{"subscriptions": results}}, nil
	}
	return events.Result{
		Success: false,
		Error:   strings.Join(failures, "; "),
		NoRetry: !retryable,
		Data:    map[string]interface{}{"subscriptions": results},
	}, nil
}

// Process routes one event to one subscription. With applyFilters unset the
// subscription's filters are ignored; the active flag is never checked here.
func (r *Router) Process(ctx context.Context, ev domain.Event, sub *domain.EventSubscription, applyFilters bool) SubscriptionResult {
	res := SubscriptionResult{SubscriptionID: sub.ID}
	if applyFilters && !events.ApplyFilters(ev, sub.Filters) {
		r.logger.Debug("Event filtered out",
			zap.String("event_id", ev.ID),
			zap.String("subscription_id", sub.ID))
		res.Filtered = true
		res.Success = true
		return res
	}

	res.Channels = make([]ChannelResult, len(sub.Channels))
	var g errgroup.Group
	for i, ch := range sub.Channels {
		g.Go(func() error {
			chCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			res.Channels[i] = r.dispatchSafely(chCtx, ev, sub, ch)
			r.record(ctx, ev, sub, res.Channels[i])
			return nil
		})
	}
	_ = g.Wait()

	res.Success = true
	res.NoRetry = true
	for _, ch := range res.Channels {
		if !ch.Success {
			res.Success = false
			if !ch.ConfigError {
				res.NoRetry = false
			}
		}
	}
	if res.Success {
		res.NoRetry = false
	}
	return res
}

func (r *Router) dispatchSafely(ctx context.Context, ev domain.Event, sub *domain.EventSubscription, ch domain.Channel) (res ChannelResult) {
	defer func() {
		if p := recover(); p != nil {
			res = ChannelResult{Channel: ch, Error: fmt.Sprintf("panic: %v", p)}
		}
	}()
	return r.dispatch(ctx, ev, sub, ch)
}

func (r *Router) dispatch(ctx context.Context, ev domain.Event, sub *domain.EventSubscription, ch domain.Channel) ChannelResult {
	switch ch {
	case domain.ChannelEmail:
		msg, err := FormatEmail(ev, sub)
		if err != nil {
			return ChannelResult{Channel: ch, Error: err.Error()}
		}
		return r.sendAll(ctx, ch, r.email, sub.EmailRecipients, msg)
	case domain.ChannelTelegram:
		return r.sendAll(ctx, ch, r.telegram, sub.TelegramChatIDs, FormatTelegram(ev))
	case domain.ChannelWhatsApp:
		var phones []string
		for _, contact := range sub.WhatsAppContacts {
			phone, ok := NormalizePhone(contact)
			if !ok {
				r.logger.Error("Skipping invalid WhatsApp number",
					zap.String("subscription_id", sub.ID),
					zap.String("contact", contact))
				continue
			}
			phones = append(phones, phone)
		}
		return r.sendAll(ctx, ch, r.whatsapp, phones, FormatWhatsApp(ev))
	case domain.ChannelWebhook:
		return r.sendWebhook(ctx, ev, sub)
	case domain.ChannelSlack:
		r.logger.Debug("Slack channel has no sender, skipping", zap.String("subscription_id", sub.ID))
		return ChannelResult{Channel: ch, Success: true, Skipped: true}
	default:
		return ChannelResult{Channel: ch, Error: fmt.Sprintf("unsupported channel %q", ch), ConfigError: true}
	}
}

// sendAll sends msg to every target; the channel fails if any target failed
func (r *Router) sendAll(ctx context.Context, ch domain.Channel, sender channel.Sender, targets []string, msg channel.Message) ChannelResult {
	res := ChannelResult{Channel: ch, Recipients: targets}
	if sender == nil {
		res.Error = fmt.Sprintf("%s sender not configured", strings.ToLower(string(ch)))
		res.ConfigError = true
		return res
	}
	if len(targets) == 0 {
		res.Error = fmt.Sprintf("no %s recipients", strings.ToLower(string(ch)))
		res.ConfigError = true
		return res
	}

	var errs []string
	configOnly := true
	for _, target := range targets {
		if err := sender.Send(ctx, target, msg); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", target, err))
			if !errors.Is(err, channel.ErrNotConfigured) {
				configOnly = false
			}
		}
	}
	if len(errs) > 0 {
		res.Error = strings.Join(errs, "; ")
		res.ConfigError = configOnly
		return res
	}
	res.Success = true
	return res
}

func (r *Router) sendWebhook(ctx context.Context, ev domain.Event, sub *domain.EventSubscription) ChannelResult {
	res := ChannelResult{Channel: domain.ChannelWebhook}
	if sub.WebhookURL == "" {
		res.Error = webhook.ErrMissingURL.Error()
		res.ConfigError = true
		return res
	}
	res.Recipients = []string{sub.WebhookURL}
	if r.webhooks == nil {
		res.Error = "webhook sender not configured"
		res.ConfigError = true
		return res
	}

	payload := webhook.NewPayload(ev, webhook.SubscriptionRef{ID: sub.ID, Name: sub.Name}, r.now())
	out := r.webhooks.Send(ctx, sub.WebhookURL, payload, webhook.Options{
		Headers:        sub.WebhookHeaders,
		Secret:         sub.WebhookSecret,
		SubscriptionID: sub.ID,
	})
	if !out.Success {
		res.Error = out.Error
		res.ConfigError = errors.Is(out.Err, webhook.ErrMissingURL)
		return res
	}
	res.Success = true
	return res
}

func (r *Router) record(ctx context.Context, ev domain.Event, sub *domain.EventSubscription, res ChannelResult) {
	status := domain.DeliverySuccess
	switch {
	case res.Skipped:
		status = domain.DeliverySkipped
	case !res.Success:
		status = domain.DeliveryFailed
	}
	metrics.RecordChannelDelivery(string(res.Channel), string(status))

	if !res.Success {
		r.logger.Warn("Channel delivery failed",
			zap.String("event_id", ev.ID),
			zap.String("subscription_id", sub.ID),
			zap.String("channel", string(res.Channel)),
			zap.String("error", res.Error))
	}

	if r.logs == nil {
		return
	}
	entry := &domain.ChannelDeliveryLog{
		ID:             uuid.NewString(),
		EventID:        ev.ID,
		EventType:      ev.Type,
		SubscriptionID: sub.ID,
		Channel:        res.Channel,
		Status:         status,
		Recipients:     res.Recipients,
		Error:          res.Error,
		CreatedAt:      r.now(),
	}
	if err := r.logs.InsertChannelLog(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Error("Failed to persist channel delivery log",
			zap.String("event_id", ev.ID),
			zap.String("channel", string(res.Channel)),
			zap.Error(err))
	}
}
