package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jia-app/eventbilling/internal/domain"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// DueQuery selects the subscriptions a billing pass should charge
type DueQuery struct {
	Now        time.Time
	MaxRetries int
	Limit      int
}

// SubscriptionRepository defines the interface for billing subscription operations
type SubscriptionRepository interface {
	// GetByID retrieves a subscription by ID
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)

	// Create creates a new subscription
	Create(ctx context.Context, sub *domain.Subscription) error

	// Update persists every mutable field of a subscription
	Update(ctx context.Context, sub *domain.Subscription) error

	// FindDue returns active subscriptions whose next payment is due and not
	// flagged to cancel at period end, plus failed subscriptions with retries left
	// whose retry date has passed. Ordered by next payment date.
	FindDue(ctx context.Context, q DueQuery) ([]*domain.Subscription, error)

	// FindEnded returns active subscriptions flagged to cancel at period end whose
	// period has elapsed
	FindEnded(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error)
}

// PlanRepository defines the interface for plan operations
type PlanRepository interface {
	GetByID(ctx context.Context, id string) (domain.Plan, error)
	ListActive(ctx context.Context) ([]domain.Plan, error)
	Create(ctx context.Context, plan *domain.Plan) error
}

// OrderRepository stores renewal orders
type OrderRepository interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
}

// PaymentHistoryRepository is append-only
type PaymentHistoryRepository interface {
	Append(ctx context.Context, row *domain.SubscriptionPaymentHistory) error

	// ListBySubscription returns rows newest first
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]domain.SubscriptionPaymentHistory, error)
}

// EventSubscriptionRepository stores notification routing rules
type EventSubscriptionRepository interface {
	Create(ctx context.Context, sub *domain.EventSubscription) error
	Update(ctx context.Context, sub *domain.EventSubscription) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*domain.EventSubscription, error)
	List(ctx context.Context) ([]*domain.EventSubscription, error)

	// FindActiveForEvent returns active subscriptions listening for the event type
	FindActiveForEvent(ctx context.Context, eventType domain.EventType) ([]*domain.EventSubscription, error)
}

// DeliveryLogRepository records every webhook attempt and channel dispatch
type DeliveryLogRepository interface {
	InsertWebhookLog(ctx context.Context, entry *domain.WebhookDeliveryLog) error
	InsertChannelLog(ctx context.Context, entry *domain.ChannelDeliveryLog) error
	ListWebhookLogs(ctx context.Context, eventID string) ([]domain.WebhookDeliveryLog, error)
	ListChannelLogs(ctx context.Context, eventID string) ([]domain.ChannelDeliveryLog, error)
}

// Repository represents the main repository interface
type Repository interface {
	Subscription() SubscriptionRepository
	Plan() PlanRepository
	Order() OrderRepository
	PaymentHistory() PaymentHistoryRepository
	EventSubscription() EventSubscriptionRepository
	Close() error
}

// IsDue reports whether a subscription matches the billing candidate predicate.
// A failed subscription stays a candidate through its last retry so the charge
// that exhausts the budget can cancel it. Stores without a query language use
// it to filter.
func IsDue(sub *domain.Subscription, now time.Time, maxRetries int) bool {
	if sub.NextPaymentDate == nil || sub.NextPaymentDate.After(now) {
		return false
	}
	switch sub.Status {
	case domain.SubscriptionStatusActive:
		return !sub.CancelAtPeriodEnd
	case domain.SubscriptionStatusFailed:
		return sub.PaymentRetryAttempt <= maxRetries
	default:
		return false
	}
}

// IsEnded reports whether a subscription scheduled to cancel at period end has
// reached that point
func IsEnded(sub *domain.Subscription, now time.Time) bool {
	return sub.Status == domain.SubscriptionStatusActive &&
		sub.CancelAtPeriodEnd &&
		sub.NextPaymentDate != nil &&
		!sub.NextPaymentDate.After(now)
}
