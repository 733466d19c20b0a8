package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/domain"
)

func TestKafkaForwarder_Handle(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	ev := NewEvent(domain.EventOrderPaid, map[string]interface{}{"orderId": "o-1"})

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var decoded domain.Event
		if err := json.Unmarshal(val, &decoded); err != nil {
			return err
		}
		if decoded.ID != ev.ID {
			return errors.New("unexpected event id")
		}
		return nil
	})

	fwd := NewKafkaForwarder(producer, "domain-events", zap.NewNop())
	res, err := fwd.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NoError(t, fwd.Close())
}

func TestKafkaForwarder_SendFailureIsRetryable(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	fwd := NewKafkaForwarder(producer, "domain-events", zap.NewNop())
	_, err := fwd.Handle(context.Background(), NewEvent(domain.EventOrderPaid, nil))
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, fwd.Close())
}

func TestKafkaForwarder_Config(t *testing.T) {
	fwd := NewKafkaForwarder(nil, "t", zap.NewNop())
	cfg := fwd.Config()
	assert.True(t, cfg.Async)
	assert.ElementsMatch(t, domain.AllEventTypes(), cfg.EventTypes)
}
