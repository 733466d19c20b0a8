package domain

import (
	"time"
)

// EventType identifies a kind of domain event
type EventType string

const (
	EventSubscriptionCreated       EventType = "subscription.created"
	EventSubscriptionActivated     EventType = "subscription.activated"
	EventSubscriptionRenewed       EventType = "subscription.renewed"
	EventSubscriptionPaymentFailed EventType = "subscription.payment_failed"
	EventSubscriptionPaused        EventType = "subscription.paused"
	EventSubscriptionResumed       EventType = "subscription.resumed"
	EventSubscriptionCanceled      EventType = "subscription.canceled"
	EventSubscriptionExpired       EventType = "subscription.expired"
	EventSubscriptionPlanChanged   EventType = "subscription.plan_changed"
	EventPaymentSucceeded          EventType = "payment.succeeded"
	EventPaymentFailed             EventType = "payment.failed"
	EventPaymentRefunded           EventType = "payment.refunded"
	EventOrderCreated              EventType = "order.created"
	EventOrderPaid                 EventType = "order.paid"
	EventUserRegistered            EventType = "user.registered"
	EventCourseCompleted           EventType = "course.completed"
	EventAchievementUnlocked       EventType = "achievement.unlocked"
	EventSystemTest                EventType = "system.test"
)

var allEventTypes = []EventType{
	EventSubscriptionCreated,
	EventSubscriptionActivated,
	EventSubscriptionRenewed,
	EventSubscriptionPaymentFailed,
	EventSubscriptionPaused,
	EventSubscriptionResumed,
	EventSubscriptionCanceled,
	EventSubscriptionExpired,
	EventSubscriptionPlanChanged,
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventPaymentRefunded,
	EventOrderCreated,
	EventOrderPaid,
	EventUserRegistered,
	EventCourseCompleted,
	EventAchievementUnlocked,
	EventSystemTest,
}

// AllEventTypes returns every known event type
func AllEventTypes() []EventType {
	out := make([]EventType, len(allEventTypes))
	copy(out, allEventTypes)
	return out
}

// IsValid reports whether t is a known event type
func (t EventType) IsValid() bool {
	for _, known := range allEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is an immutable record of something that happened.
// Producers build events through events.NewEvent; nothing mutates them afterwards.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Version   string                 `json:"version"`
	Data      EventData              `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// EventData carries the event-specific payload and optional context
type EventData struct {
	Current map[string]interface{} `json:"current"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Channel is a notification delivery mechanism
type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelTelegram Channel = "TELEGRAM"
	ChannelWebhook  Channel = "WEBHOOK"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelSlack    Channel = "SLACK"
)

// IsValid reports whether c is a supported channel kind
func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelTelegram, ChannelWebhook, ChannelWhatsApp, ChannelSlack:
		return true
	default:
		return false
	}
}

// FilterOperator is a comparison used by subscription filters
type FilterOperator string

const (
	OpEq       FilterOperator = "eq"
	OpNe       FilterOperator = "ne"
	OpGt       FilterOperator = "gt"
	OpLt       FilterOperator = "lt"
	OpGte      FilterOperator = "gte"
	OpLte      FilterOperator = "lte"
	OpContains FilterOperator = "contains"
	OpIn       FilterOperator = "in"
	OpNin      FilterOperator = "nin"
)

// IsValid reports whether op is a supported operator
func (op FilterOperator) IsValid() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpContains, OpIn, OpNin:
		return true
	default:
		return false
	}
}

// Filter is a single predicate over a dot path into an event
type Filter struct {
	Field    string         `json:"field" bson:"field"`
	Operator FilterOperator `json:"operator" bson:"operator"`
	Value    interface{}    `json:"value" bson:"value"`
}

// EventSubscription is a persisted routing rule from event types to channels
type EventSubscription struct {
	ID               string            `json:"id" bson:"_id"`
	Name             string            `json:"name" bson:"name"`
	Description      string            `json:"description,omitempty" bson:"description,omitempty"`
	EventTypes       []EventType       `json:"event_types" bson:"event_types"`
	IsActive         bool              `json:"is_active" bson:"is_active"`
	Filters          []Filter          `json:"filters,omitempty" bson:"filters,omitempty"`
	Channels         []Channel         `json:"channels" bson:"channels"`
	EmailRecipients  []string          `json:"email_recipients,omitempty" bson:"email_recipients,omitempty"`
	TelegramChatIDs  []string          `json:"telegram_chat_ids,omitempty" bson:"telegram_chat_ids,omitempty"`
	WebhookURL       string            `json:"webhook_url,omitempty" bson:"webhook_url,omitempty"`
	WebhookSecret    string            `json:"webhook_secret,omitempty" bson:"webhook_secret,omitempty"`
	WebhookHeaders   map[string]string `json:"webhook_headers,omitempty" bson:"webhook_headers,omitempty"`
	WhatsAppContacts []string          `json:"whatsapp_contacts,omitempty" bson:"whatsapp_contacts,omitempty"`
	CreatedAt        time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" bson:"updated_at"`
}

// Listens reports whether the subscription is registered for t
func (s *EventSubscription) Listens(t EventType) bool {
	for _, et := range s.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// DeliveryStatus is the outcome of a single delivery attempt
type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// WebhookDeliveryLog records one HTTP attempt of an outbound webhook
type WebhookDeliveryLog struct {
	ID             string         `json:"id" bson:"_id"`
	URL            string         `json:"url" bson:"url"`
	EventID        string         `json:"event_id" bson:"event_id"`
	EventType      EventType      `json:"event_type" bson:"event_type"`
	SubscriptionID string         `json:"subscription_id,omitempty" bson:"subscription_id,omitempty"`
	Attempt        int            `json:"attempt" bson:"attempt"`
	Status         DeliveryStatus `json:"status" bson:"status"`
	StatusCode     int            `json:"status_code,omitempty" bson:"status_code,omitempty"`
	Error          string         `json:"error,omitempty" bson:"error,omitempty"`
	ResponseTime   time.Duration  `json:"response_time" bson:"response_time"`
	ResponseBody   interface{}    `json:"response_body,omitempty" bson:"response_body,omitempty"`
	CreatedAt      time.Time      `json:"created_at" bson:"created_at"`
}

// ChannelDeliveryLog records the outcome of one channel dispatch for a subscription
type ChannelDeliveryLog struct {
	ID             string         `json:"id" bson:"_id"`
	EventID        string         `json:"event_id" bson:"event_id"`
	EventType      EventType      `json:"event_type" bson:"event_type"`
	SubscriptionID string         `json:"subscription_id" bson:"subscription_id"`
	Channel        Channel        `json:"channel" bson:"channel"`
	Status         DeliveryStatus `json:"status" bson:"status"`
	Recipients     []string       `json:"recipients,omitempty" bson:"recipients,omitempty"`
	Error          string         `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at" bson:"created_at"`
}
