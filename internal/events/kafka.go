package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/domain"
)

// KafkaForwarder is an async handler that copies every bus event onto a Kafka
// topic, keyed by event type
type KafkaForwarder struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaProducer builds a sync producer that waits for all in-sync replicas
func NewKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Idempotent = false

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// NewKafkaForwarder creates a forwarder over an existing producer
func NewKafkaForwarder(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaForwarder {
	return &KafkaForwarder{producer: producer, topic: topic, logger: logger}
}

// Handle implements Handler
func (f *KafkaForwarder) Handle(_ context.Context, ev domain.Event) (Result, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return FailPermanent(fmt.Errorf("failed to marshal event: %w", err)), nil
	}

	partition, offset, err := f.producer.SendMessage(&sarama.ProducerMessage{
		Topic: f.topic,
		Key:   sarama.StringEncoder(ev.Type),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_id"), Value: []byte(ev.ID)},
			{Key: []byte("source"), Value: []byte(ev.Source)},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to send event to kafka: %w", err)
	}

	f.logger.Debug("Event forwarded to kafka",
		zap.String("event_id", ev.ID),
		zap.String("topic", f.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return Ok(), nil
}

// Config returns the bus registration for every known event type
func (f *KafkaForwarder) Config() HandlerConfig {
	return HandlerConfig{
		Name:       "kafka-forwarder",
		EventTypes: domain.AllEventTypes(),
		Handler:    f,
		Async:      true,
	}
}

// Close closes the producer
func (f *KafkaForwarder) Close() error {
	return f.producer.Close()
}
