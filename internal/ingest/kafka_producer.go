// Package ingest mirrors driver location updates into Kafka so downstream
// consumers (analytics, surge pricing, replica geo indexes) see the same
// stream the dispatch server acts on.
package ingest

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	return &KafkaProducer{writer: w}
}

// PublishLocation keys messages by driver ID so per-driver ordering holds
// within a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
