package events

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/aimd54/loyalty-ledger/internal/config"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

// KafkaPublisher publishes events with a synchronous sarama producer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *logger.Logger
}

// NewKafkaPublisher connects a producer that waits for all in-sync replicas.
func NewKafkaPublisher(cfg *config.KafkaConfig, topic string, log *logger.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewKafkaConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", topic).
		Msg("Connected to Kafka")

	return NewKafkaPublisherWithProducer(producer, topic, log), nil
}

// NewKafkaConfig returns the producer settings used for ledger events.
func NewKafkaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, log: log.Component("kafka")}
}

// Publish sends the event keyed by user so a user's events stay ordered.
func (p *KafkaPublisher) Publish(_ context.Context, key string, body []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(body),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message to kafka topic %s: %w", p.topic, err)
	}

	p.log.Debug().
		Str("key", key).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("Message sent to Kafka")

	return nil
}

// Close closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
