package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/repository"
)

const eventSubscriptionColumns = `id, name, description, event_types, is_active, filters, channels,
	email_recipients, telegram_chat_ids, webhook_url, webhook_secret, webhook_headers,
	whatsapp_contacts, created_at, updated_at`

// eventSubscriptionRepository implements repository.EventSubscriptionRepository
type eventSubscriptionRepository struct {
	db querier
}

func scanEventSubscription(row pgx.Row) (*domain.EventSubscription, error) {
	var (
		es                  domain.EventSubscription
		eventTypes, chans   []string
		filters, headersRaw []byte
	)
	err := row.Scan(&es.ID, &es.Name, &es.Description, &eventTypes, &es.IsActive, &filters, &chans,
		&es.EmailRecipients, &es.TelegramChatIDs, &es.WebhookURL, &es.WebhookSecret, &headersRaw,
		&es.WhatsAppContacts, &es.CreatedAt, &es.UpdatedAt)
	if err != nil {
		return nil, err
	}

	for _, t := range eventTypes {
		es.EventTypes = append(es.EventTypes, domain.EventType(t))
	}
	for _, c := range chans {
		es.Channels = append(es.Channels, domain.Channel(c))
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &es.Filters); err != nil {
			return nil, fmt.Errorf("failed to decode filters: %w", err)
		}
	}
	if len(headersRaw) > 0 {
		if err := json.Unmarshal(headersRaw, &es.WebhookHeaders); err != nil {
			return nil, fmt.Errorf("failed to decode webhook headers: %w", err)
		}
	}
	return &es, nil
}

func eventSubscriptionArgs(es *domain.EventSubscription) (eventTypes, chans []string, filters, headers []byte, err error) {
	for _, t := range es.EventTypes {
		eventTypes = append(eventTypes, string(t))
	}
	for _, c := range es.Channels {
		chans = append(chans, string(c))
	}
	if es.Filters == nil {
		filters = []byte("[]")
	} else if filters, err = json.Marshal(es.Filters); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode filters: %w", err)
	}
	if es.WebhookHeaders == nil {
		headers = []byte("{}")
	} else if headers, err = json.Marshal(es.WebhookHeaders); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode webhook headers: %w", err)
	}
	return eventTypes, chans, filters, headers, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Create inserts a routing rule
func (r *eventSubscriptionRepository) Create(ctx context.Context, es *domain.EventSubscription) error {
	if es.ID == "" {
		es.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	es.CreatedAt, es.UpdatedAt = now, now

	eventTypes, chans, filters, headers, err := eventSubscriptionArgs(es)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO event_subscriptions (`+eventSubscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		es.ID, es.Name, es.Description, eventTypes, es.IsActive, filters, chans,
		nonNil(es.EmailRecipients), nonNil(es.TelegramChatIDs), es.WebhookURL, es.WebhookSecret, headers,
		nonNil(es.WhatsAppContacts), es.CreatedAt, es.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event subscription: %w", err)
	}
	return nil
}

// Update replaces a routing rule
func (r *eventSubscriptionRepository) Update(ctx context.Context, es *domain.EventSubscription) error {
	es.UpdatedAt = time.Now().UTC()

	eventTypes, chans, filters, headers, err := eventSubscriptionArgs(es)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `UPDATE event_subscriptions SET
			name = $2, description = $3, event_types = $4, is_active = $5, filters = $6,
			channels = $7, email_recipients = $8, telegram_chat_ids = $9, webhook_url = $10,
			webhook_secret = $11, webhook_headers = $12, whatsapp_contacts = $13, updated_at = $14
		WHERE id = $1`,
		es.ID, es.Name, es.Description, eventTypes, es.IsActive, filters,
		chans, nonNil(es.EmailRecipients), nonNil(es.TelegramChatIDs), es.WebhookURL,
		es.WebhookSecret, headers, nonNil(es.WhatsAppContacts), es.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update event subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes a routing rule
func (r *eventSubscriptionRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM event_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetByID retrieves a routing rule by ID
func (r *eventSubscriptionRepository) GetByID(ctx context.Context, id string) (*domain.EventSubscription, error) {
	es, err := scanEventSubscription(r.db.QueryRow(ctx,
		`SELECT `+eventSubscriptionColumns+` FROM event_subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event subscription: %w", err)
	}
	return es, nil
}

// List returns every routing rule, oldest first
func (r *eventSubscriptionRepository) List(ctx context.Context) ([]*domain.EventSubscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+eventSubscriptionColumns+` FROM event_subscriptions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list event subscriptions: %w", err)
	}
	return collectEventSubscriptions(rows)
}

// FindActiveForEvent returns active rules listening for the event type
func (r *eventSubscriptionRepository) FindActiveForEvent(ctx context.Context, eventType domain.EventType) ([]*domain.EventSubscription, error) {
	rows, err := r.db.Query(ctx, `SELECT `+eventSubscriptionColumns+` FROM event_subscriptions
		WHERE is_active AND $1 = ANY(event_types)
		ORDER BY created_at, id`, string(eventType))
	if err != nil {
		return nil, fmt.Errorf("failed to query event subscriptions: %w", err)
	}
	return collectEventSubscriptions(rows)
}

func collectEventSubscriptions(rows pgx.Rows) ([]*domain.EventSubscription, error) {
	defer rows.Close()
	var out []*domain.EventSubscription
	for rows.Next() {
		es, err := scanEventSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event subscription: %w", err)
		}
		out = append(out, es)
	}
	return out, rows.Err()
}

// deliveryLogRepository implements repository.DeliveryLogRepository
type deliveryLogRepository struct {
	db querier
}

// InsertWebhookLog records one webhook attempt
func (r *deliveryLogRepository) InsertWebhookLog(ctx context.Context, e *domain.WebhookDeliveryLog) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var body []byte
	if e.ResponseBody != nil {
		var err error
		if body, err = json.Marshal(e.ResponseBody); err != nil {
			return fmt.Errorf("failed to encode response body: %w", err)
		}
	}
	_, err := r.db.Exec(ctx, `INSERT INTO webhook_delivery_logs
		(id, url, event_id, event_type, subscription_id, attempt, status, status_code, error,
		 response_time_ms, response_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.URL, e.EventID, string(e.EventType), e.SubscriptionID, e.Attempt, string(e.Status),
		e.StatusCode, e.Error, e.ResponseTime.Milliseconds(), body, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert webhook delivery log: %w", err)
	}
	return nil
}

// InsertChannelLog records one channel dispatch
func (r *deliveryLogRepository) InsertChannelLog(ctx context.Context, e *domain.ChannelDeliveryLog) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `INSERT INTO channel_delivery_logs
		(id, event_id, event_type, subscription_id, channel, status, recipients, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.EventID, string(e.EventType), e.SubscriptionID, string(e.Channel), string(e.Status),
		nonNil(e.Recipients), e.Error, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert channel delivery log: %w", err)
	}
	return nil
}

// ListWebhookLogs returns the attempts recorded for an event
func (r *deliveryLogRepository) ListWebhookLogs(ctx context.Context, eventID string) ([]domain.WebhookDeliveryLog, error) {
	rows, err := r.db.Query(ctx, `SELECT id, url, event_id, event_type, subscription_id, attempt,
		status, status_code, error, response_time_ms, response_body, created_at
		FROM webhook_delivery_logs WHERE event_id = $1 ORDER BY created_at, attempt`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook delivery logs: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookDeliveryLog
	for rows.Next() {
		var (
			e            domain.WebhookDeliveryLog
			eventType    string
			status       string
			responseMs   int64
			responseBody []byte
		)
		if err := rows.Scan(&e.ID, &e.URL, &e.EventID, &eventType, &e.SubscriptionID, &e.Attempt,
			&status, &e.StatusCode, &e.Error, &responseMs, &responseBody, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook delivery log: %w", err)
		}
		e.EventType = domain.EventType(eventType)
		e.Status = domain.DeliveryStatus(status)
		e.ResponseTime = time.Duration(responseMs) * time.Millisecond
		if len(responseBody) > 0 {
			_ = json.Unmarshal(responseBody, &e.ResponseBody)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListChannelLogs returns the channel dispatches recorded for an event
func (r *deliveryLogRepository) ListChannelLogs(ctx context.Context, eventID string) ([]domain.ChannelDeliveryLog, error) {
	rows, err := r.db.Query(ctx, `SELECT id, event_id, event_type, subscription_id, channel, status,
		recipients, error, created_at
		FROM channel_delivery_logs WHERE event_id = $1 ORDER BY created_at`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel delivery logs: %w", err)
	}
	defer rows.Close()

	var out []domain.ChannelDeliveryLog
	for rows.Next() {
		var (
			e                          domain.ChannelDeliveryLog
			eventType, channel, status string
		)
		if err := rows.Scan(&e.ID, &e.EventID, &eventType, &e.SubscriptionID, &channel, &status,
			&e.Recipients, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel delivery log: %w", err)
		}
		e.EventType = domain.EventType(eventType)
		e.Channel = domain.Channel(channel)
		e.Status = domain.DeliveryStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}
