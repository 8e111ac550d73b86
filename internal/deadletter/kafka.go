package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// KafkaMirror publishes dead-letter records as JSON to a Kafka topic, keyed
// by original destination.
type KafkaMirror struct {
	producer sarama.SyncProducer
	topic    string
}

// DefaultKafkaConfig returns a producer config suitable for a SyncProducer.
func DefaultKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	return cfg
}

// NewKafkaMirror dials brokers. cfg may be nil.
func NewKafkaMirror(brokers []string, topic string, cfg *sarama.Config) (*KafkaMirror, error) {
	if len(brokers) == 0 {
		return nil, errors.New("deadletter: kafka mirror needs at least one broker")
	}
	if topic == "" {
		return nil, errors.New("deadletter: kafka mirror needs a topic")
	}
	if cfg == nil {
		cfg = DefaultKafkaConfig()
	}
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("deadletter: kafka producer: %w", err)
	}
	return NewKafkaMirrorWithProducer(p, topic), nil
}

// NewKafkaMirrorWithProducer wraps an existing producer.
func NewKafkaMirrorWithProducer(p sarama.SyncProducer, topic string) *KafkaMirror {
	return &KafkaMirror{producer: p, topic: topic}
}

func (k *KafkaMirror) Mirror(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("deadletter: encode record: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(rec.OriginalDestination),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("dlqDeliveryFailureCause"), Value: []byte(rec.Cause)},
		},
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("deadletter: kafka send: %w", err)
	}
	return nil
}

func (k *KafkaMirror) Close() error { return k.producer.Close() }
