// Package memory is a mutex-guarded in-process implementation of the repository
// interfaces used for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/repository"
)

// Store holds every record in maps keyed by id
type Store struct {
	mu sync.RWMutex

	subscriptions map[string]domain.Subscription
	plans         map[string]domain.Plan
	orders        map[string]domain.Order
	history       []domain.SubscriptionPaymentHistory
	eventSubs     map[string]domain.EventSubscription
	webhookLogs   []domain.WebhookDeliveryLog
	channelLogs   []domain.ChannelDeliveryLog
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		subscriptions: make(map[string]domain.Subscription),
		plans:         make(map[string]domain.Plan),
		orders:        make(map[string]domain.Order),
		eventSubs:     make(map[string]domain.EventSubscription),
	}
}

// Close is a no-op
func (s *Store) Close() error { return nil }

// Subscription returns the subscription repository
func (s *Store) Subscription() repository.SubscriptionRepository { return subscriptionRepo{s} }

// Plan returns the plan repository
func (s *Store) Plan() repository.PlanRepository { return planRepo{s} }

// Order returns the order repository
func (s *Store) Order() repository.OrderRepository { return orderRepo{s} }

// PaymentHistory returns the payment history repository
func (s *Store) PaymentHistory() repository.PaymentHistoryRepository { return historyRepo{s} }

// EventSubscription returns the event subscription repository
func (s *Store) EventSubscription() repository.EventSubscriptionRepository { return eventSubRepo{s} }

// DeliveryLog returns the delivery log repository
func (s *Store) DeliveryLog() repository.DeliveryLogRepository { return logRepo{s} }

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneSubscription(sub domain.Subscription) *domain.Subscription {
	sub.NextPaymentDate = copyTime(sub.NextPaymentDate)
	sub.LastPaymentDate = copyTime(sub.LastPaymentDate)
	sub.EndDate = copyTime(sub.EndDate)
	sub.CanceledAt = copyTime(sub.CanceledAt)
	sub.PausedAt = copyTime(sub.PausedAt)
	return &sub
}

func cloneEventSubscription(es domain.EventSubscription) *domain.EventSubscription {
	es.EventTypes = append([]domain.EventType(nil), es.EventTypes...)
	es.Filters = append([]domain.Filter(nil), es.Filters...)
	es.Channels = append([]domain.Channel(nil), es.Channels...)
	es.EmailRecipients = append([]string(nil), es.EmailRecipients...)
	es.TelegramChatIDs = append([]string(nil), es.TelegramChatIDs...)
	es.WhatsAppContacts = append([]string(nil), es.WhatsAppContacts...)
	if es.WebhookHeaders != nil {
		headers := make(map[string]string, len(es.WebhookHeaders))
		for k, v := range es.WebhookHeaders {
			headers[k] = v
		}
		es.WebhookHeaders = headers
	}
	return &es
}

type subscriptionRepo struct{ s *Store }

func (r subscriptionRepo) GetByID(_ context.Context, id string) (*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sub, ok := r.s.subscriptions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (r subscriptionRepo) Create(_ context.Context, sub *domain.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	r.s.subscriptions[sub.ID] = *cloneSubscription(*sub)
	return nil
}

func (r subscriptionRepo) Update(_ context.Context, sub *domain.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.subscriptions[sub.ID]; !ok {
		return repository.ErrNotFound
	}
	sub.UpdatedAt = time.Now().UTC()
	r.s.subscriptions[sub.ID] = *cloneSubscription(*sub)
	return nil
}

func (r subscriptionRepo) FindDue(_ context.Context, q repository.DueQuery) ([]*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var due []*domain.Subscription
	for _, sub := range r.s.subscriptions {
		if repository.IsDue(&sub, q.Now, q.MaxRetries) {
			due = append(due, cloneSubscription(sub))
		}
	}
	sortByNextPayment(due)
	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}
	return due, nil
}

func (r subscriptionRepo) FindEnded(_ context.Context, now time.Time, limit int) ([]*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var ended []*domain.Subscription
	for _, sub := range r.s.subscriptions {
		if repository.IsEnded(&sub, now) {
			ended = append(ended, cloneSubscription(sub))
		}
	}
	sortByNextPayment(ended)
	if limit > 0 && len(ended) > limit {
		ended = ended[:limit]
	}
	return ended, nil
}

func sortByNextPayment(subs []*domain.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		a, b := subs[i].NextPaymentDate, subs[j].NextPaymentDate
		if a.Equal(*b) {
			return subs[i].ID < subs[j].ID
		}
		return a.Before(*b)
	})
}

type planRepo struct{ s *Store }

func (r planRepo) GetByID(_ context.Context, id string) (domain.Plan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	plan, ok := r.s.plans[id]
	if !ok {
		return domain.Plan{}, repository.ErrNotFound
	}
	return plan, nil
}

func (r planRepo) ListActive(_ context.Context) ([]domain.Plan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var plans []domain.Plan
	for _, p := range r.s.plans {
		if p.Active {
			plans = append(plans, p)
		}
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

func (r planRepo) Create(_ context.Context, plan *domain.Plan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	r.s.plans[plan.ID] = *plan
	return nil
}

type orderRepo struct{ s *Store }

func (r orderRepo) Create(_ context.Context, order *domain.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	r.s.orders[order.ID] = *order
	return nil
}

func (r orderRepo) GetByID(_ context.Context, id string) (*domain.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	order, ok := r.s.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &order, nil
}

// Orders returns every stored order, oldest first
func (s *Store) Orders() []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type historyRepo struct{ s *Store }

func (r historyRepo) Append(_ context.Context, row *domain.SubscriptionPaymentHistory) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	r.s.history = append(r.s.history, *row)
	return nil
}

func (r historyRepo) ListBySubscription(_ context.Context, subscriptionID string, limit int) ([]domain.SubscriptionPaymentHistory, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var rows []domain.SubscriptionPaymentHistory
	for i := len(r.s.history) - 1; i >= 0; i-- {
		if r.s.history[i].SubscriptionID != subscriptionID {
			continue
		}
		rows = append(rows, r.s.history[i])
		if limit > 0 && len(rows) == limit {
			break
		}
	}
	return rows, nil
}

type eventSubRepo struct{ s *Store }

func (r eventSubRepo) Create(_ context.Context, es *domain.EventSubscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if es.ID == "" {
		es.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	es.CreatedAt = now
	es.UpdatedAt = now
	r.s.eventSubs[es.ID] = *cloneEventSubscription(*es)
	return nil
}

func (r eventSubRepo) Update(_ context.Context, es *domain.EventSubscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.eventSubs[es.ID]
	if !ok {
		return repository.ErrNotFound
	}
	es.CreatedAt = existing.CreatedAt
	es.UpdatedAt = time.Now().UTC()
	r.s.eventSubs[es.ID] = *cloneEventSubscription(*es)
	return nil
}

func (r eventSubRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.eventSubs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.eventSubs, id)
	return nil
}

func (r eventSubRepo) GetByID(_ context.Context, id string) (*domain.EventSubscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	es, ok := r.s.eventSubs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneEventSubscription(es), nil
}

func (r eventSubRepo) List(_ context.Context) ([]*domain.EventSubscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*domain.EventSubscription, 0, len(r.s.eventSubs))
	for _, es := range r.s.eventSubs {
		out = append(out, cloneEventSubscription(es))
	}
	sortEventSubs(out)
	return out, nil
}

func (r eventSubRepo) FindActiveForEvent(_ context.Context, eventType domain.EventType) ([]*domain.EventSubscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.EventSubscription
	for _, es := range r.s.eventSubs {
		if es.IsActive && es.Listens(eventType) {
			out = append(out, cloneEventSubscription(es))
		}
	}
	sortEventSubs(out)
	return out, nil
}

func sortEventSubs(subs []*domain.EventSubscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}

type logRepo struct{ s *Store }

func (r logRepo) InsertWebhookLog(_ context.Context, entry *domain.WebhookDeliveryLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	r.s.webhookLogs = append(r.s.webhookLogs, *entry)
	return nil
}

func (r logRepo) InsertChannelLog(_ context.Context, entry *domain.ChannelDeliveryLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	r.s.channelLogs = append(r.s.channelLogs, *entry)
	return nil
}

func (r logRepo) ListWebhookLogs(_ context.Context, eventID string) ([]domain.WebhookDeliveryLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.WebhookDeliveryLog
	for _, l := range r.s.webhookLogs {
		if eventID == "" || l.EventID == eventID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r logRepo) ListChannelLogs(_ context.Context, eventID string) ([]domain.ChannelDeliveryLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.ChannelDeliveryLog
	for _, l := range r.s.channelLogs {
		if eventID == "" || l.EventID == eventID {
			out = append(out, l)
		}
	}
	return out, nil
}
