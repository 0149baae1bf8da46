package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bulk-order-service/models"

	"github.com/segmentio/kafka-go"
)

// AuditProducer publishes audit events to a Kafka topic, keyed by actor so one caller's
// trail stays ordered within a partition.
type AuditProducer struct {
	writer *kafka.Writer
	topic  string
}

func NewAuditProducer(brokers []string, topic string) *AuditProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}

	return &AuditProducer{
		writer: writer,
		topic:  topic,
	}
}

func (p *AuditProducer) Name() string { return "kafka:" + p.topic }

// Write implements the audit sink.
func (p *AuditProducer) Write(ctx context.Context, event models.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.Actor),
		Value: data,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(event.Action)},
			{Key: "severity", Value: []byte(event.Severity)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to send audit event to %s: %w", p.topic, err)
	}
	return nil
}

func (p *AuditProducer) Close() error {
	return p.writer.Close()
}
