// Package mongo stores delivery logs in MongoDB collections.
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/jia-app/eventbilling/internal/domain"
)

const (
	webhookLogsCollection = "webhook_delivery_logs"
	channelLogsCollection = "channel_delivery_logs"
)

// Client wraps the MongoDB client and the configured database
type Client struct {
	client   *mongo.Client
	database *mongo.Database
}

// Connect establishes a connection to MongoDB
func Connect(ctx context.Context, uri, database string) (*Client, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &Client{client: client, database: client.Database(database)}, nil
}

// Close disconnects the client
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Ping checks the primary is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// DeliveryLogs returns the delivery log repository backed by this database
func (c *Client) DeliveryLogs() *DeliveryLogRepository {
	return NewDeliveryLogRepository(c.database)
}

// DeliveryLogRepository implements repository.DeliveryLogRepository
type DeliveryLogRepository struct {
	webhooks *mongo.Collection
	channels *mongo.Collection
}

// NewDeliveryLogRepository creates the repository over db
func NewDeliveryLogRepository(db *mongo.Database) *DeliveryLogRepository {
	return &DeliveryLogRepository{
		webhooks: db.Collection(webhookLogsCollection),
		channels: db.Collection(channelLogsCollection),
	}
}

// EnsureIndexes creates the event_id lookup indexes
func (r *DeliveryLogRepository) EnsureIndexes(ctx context.Context) error {
	model := mongo.IndexModel{Keys: bson.D{{Key: "event_id", Value: 1}, {Key: "created_at", Value: 1}}}
	if _, err := r.webhooks.Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("failed to index %s: %w", webhookLogsCollection, err)
	}
	if _, err := r.channels.Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("failed to index %s: %w", channelLogsCollection, err)
	}
	return nil
}

// InsertWebhookLog records one webhook attempt
func (r *DeliveryLogRepository) InsertWebhookLog(ctx context.Context, entry *domain.WebhookDeliveryLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if _, err := r.webhooks.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert webhook delivery log: %w", err)
	}
	return nil
}

// InsertChannelLog records one channel dispatch
func (r *DeliveryLogRepository) InsertChannelLog(ctx context.Context, entry *domain.ChannelDeliveryLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if _, err := r.channels.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert channel delivery log: %w", err)
	}
	return nil
}

// ListWebhookLogs returns the attempts recorded for an event, oldest first
func (r *DeliveryLogRepository) ListWebhookLogs(ctx context.Context, eventID string) ([]domain.WebhookDeliveryLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "attempt", Value: 1}})

	cursor, err := r.webhooks.Find(ctx, bson.M{"event_id": eventID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var logs []domain.WebhookDeliveryLog
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// ListChannelLogs returns the channel dispatches recorded for an event
func (r *DeliveryLogRepository) ListChannelLogs(ctx context.Context, eventID string) ([]domain.ChannelDeliveryLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := r.channels.Find(ctx, bson.M{"event_id": eventID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var logs []domain.ChannelDeliveryLog
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
