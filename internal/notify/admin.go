package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/events"
	"github.com/jia-app/eventbilling/internal/repository"
)

// Admin manages event subscriptions. Errors are gRPC status errors.
type Admin struct {
	repo    repository.EventSubscriptionRepository
	router  *Router
	factory events.Factory
	logger  *zap.Logger
	now     func() time.Time
}

// NewAdmin creates the subscription administration service
func NewAdmin(repo repository.EventSubscriptionRepository, router *Router, factory events.Factory, logger *zap.Logger) *Admin {
	return &Admin{repo: repo, router: router, factory: factory, logger: logger, now: time.Now}
}

// Validate checks an event subscription before it is stored
func Validate(sub *domain.EventSubscription) error {
	if strings.TrimSpace(sub.Name) == "" {
		return status.Error(codes.InvalidArgument, "name is required")
	}
	if len(sub.EventTypes) == 0 {
		return status.Error(codes.InvalidArgument, "at least one event type is required")
	}
	for _, t := range sub.EventTypes {
		if !t.IsValid() {
			return status.Errorf(codes.InvalidArgument, "unknown event type: %s", t)
		}
	}
	if len(sub.Channels) == 0 {
		return status.Error(codes.InvalidArgument, "at least one channel is required")
	}
	for _, ch := range sub.Channels {
		if err := validateChannel(sub, ch); err != nil {
			return err
		}
	}
	for i, f := range sub.Filters {
		if strings.TrimSpace(f.Field) == "" {
			return status.Errorf(codes.InvalidArgument, "filter %d: field is required", i)
		}
		if !f.Operator.IsValid() {
			return status.Errorf(codes.InvalidArgument, "filter %d: unknown operator %q", i, f.Operator)
		}
	}
	return nil
}

func validateChannel(sub *domain.EventSubscription, ch domain.Channel) error {
	switch ch {
	case domain.ChannelEmail:
		if len(sub.EmailRecipients) == 0 {
			return status.Error(codes.InvalidArgument, "email_recipients is required for the EMAIL channel")
		}
		for _, addr := range sub.EmailRecipients {
			if !strings.Contains(addr, "@") {
				return status.Errorf(codes.InvalidArgument, "invalid email recipient: %s", addr)
			}
		}
	case domain.ChannelTelegram:
		if len(sub.TelegramChatIDs) == 0 {
			return status.Error(codes.InvalidArgument, "telegram_chat_ids is required for the TELEGRAM channel")
		}
	case domain.ChannelWhatsApp:
		if len(sub.WhatsAppContacts) == 0 {
			return status.Error(codes.InvalidArgument, "whatsapp_contacts is required for the WHATSAPP channel")
		}
	case domain.ChannelWebhook:
		u, err := url.Parse(sub.WebhookURL)
		if sub.WebhookURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return status.Error(codes.InvalidArgument, "a valid http(s) webhook_url is required for the WEBHOOK channel")
		}
	case domain.ChannelSlack:
	default:
		return status.Errorf(codes.InvalidArgument, "unknown channel: %s", ch)
	}
	return nil
}

// Create validates and stores a new event subscription
func (a *Admin) Create(ctx context.Context, sub *domain.EventSubscription) (*domain.EventSubscription, error) {
	if err := Validate(sub); err != nil {
		return nil, err
	}

	now := a.now()
	sub.ID = uuid.NewString()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if err := a.repo.Create(ctx, sub); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create event subscription: %v", err)
	}

	a.logger.Info("Event subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("name", sub.Name),
		zap.Int("event_types", len(sub.EventTypes)))
	return sub, nil
}

// Update replaces a stored event subscription
func (a *Admin) Update(ctx context.Context, sub *domain.EventSubscription) (*domain.EventSubscription, error) {
	existing, err := a.Get(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if err := Validate(sub); err != nil {
		return nil, err
	}

	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = a.now()
	// The secret is never returned to callers, so an update without one keeps it
	if sub.WebhookSecret == "" {
		sub.WebhookSecret = existing.WebhookSecret
	}
	if err := a.repo.Update(ctx, sub); err != nil {
		return nil, toStatus(err, "failed to update event subscription")
	}

	a.logger.Info("Event subscription updated", zap.String("subscription_id", sub.ID))
	return sub, nil
}

// Delete removes an event subscription
func (a *Admin) Delete(ctx context.Context, id string) error {
	if id == "" {
		return status.Error(codes.InvalidArgument, "id is required")
	}
	if err := a.repo.Delete(ctx, id); err != nil {
		return toStatus(err, "failed to delete event subscription")
	}
	a.logger.Info("Event subscription deleted", zap.String("subscription_id", id))
	return nil
}

// Get returns one event subscription
func (a *Admin) Get(ctx context.Context, id string) (*domain.EventSubscription, error) {
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	sub, err := a.repo.GetByID(ctx, id)
	if err != nil {
		return nil, toStatus(err, "failed to get event subscription")
	}
	return sub, nil
}

// List returns every event subscription
func (a *Admin) List(ctx context.Context) ([]*domain.EventSubscription, error) {
	subs, err := a.repo.List(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to list event subscriptions: %v", err)
	}
	return subs, nil
}

// TestSubscription sends a synthetic event through the subscription's channels.
// The active flag and filters are ignored; the event carries metadata test=true.
func (a *Admin) TestSubscription(ctx context.Context, id string, eventType domain.EventType) (SubscriptionResult, error) {
	sub, err := a.Get(ctx, id)
	if err != nil {
		return SubscriptionResult{}, err
	}
	if eventType == "" {
		eventType = domain.EventSystemTest
	}
	if !eventType.IsValid() {
		return SubscriptionResult{}, status.Errorf(codes.InvalidArgument, "unknown event type: %s", eventType)
	}

	ev := a.factory.New(eventType, map[string]interface{}{
		"message":        "Test notification",
		"subscriptionId": sub.ID,
	}, events.WithMetadata(map[string]interface{}{"test": true}))

	res := a.router.Process(ctx, ev, sub, false)
	a.logger.Info("Event subscription tested",
		zap.String("subscription_id", sub.ID),
		zap.String("event_type", string(eventType)),
		zap.Bool("success", res.Success))
	return res, nil
}

func toStatus(err error, msg string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return status.Error(codes.NotFound, "event subscription not found")
	}
	return status.Error(codes.Internal, fmt.Sprintf("%s: %v", msg, err))
}
