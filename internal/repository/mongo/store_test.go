package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/jia-app/eventbilling/internal/domain"
)

func TestDeliveryLogRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("insert webhook log assigns id", func(mt *mtest.T) {
		repo := NewDeliveryLogRepository(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		entry := &domain.WebhookDeliveryLog{
			URL:       "https://example.com/hook",
			EventID:   "evt-1",
			EventType: domain.EventOrderPaid,
			Attempt:   1,
			Status:    domain.DeliveryFailed,
		}
		require.NoError(t, repo.InsertWebhookLog(context.Background(), entry))
		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.CreatedAt.IsZero())
	})

	mt.Run("list channel logs decodes documents", func(mt *mtest.T) {
		repo := NewDeliveryLogRepository(mt.DB)
		ns := mt.DB.Name() + "." + channelLogsCollection
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
				bson.D{
					{Key: "_id", Value: "log-1"},
					{Key: "event_id", Value: "evt-1"},
					{Key: "event_type", Value: "order.paid"},
					{Key: "subscription_id", Value: "sub-1"},
					{Key: "channel", Value: "EMAIL"},
					{Key: "status", Value: "success"},
					{Key: "created_at", Value: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
				},
			),
		)

		logs, err := repo.ListChannelLogs(context.Background(), "evt-1")
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "log-1", logs[0].ID)
		assert.Equal(t, domain.ChannelEmail, logs[0].Channel)
		assert.Equal(t, domain.DeliverySuccess, logs[0].Status)
	})
}
