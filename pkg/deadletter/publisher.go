// Package deadletter publishes undeliverable notifications to Kafka for later replay.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// Record describes one notification delivery that exhausted its retries.
type Record struct {
	NotificationID string    `json:"notificationId"`
	TenantID       string    `json:"tenantId"`
	UserID         string    `json:"userId"`
	Channel        string    `json:"channel"`
	Attempts       int       `json:"attempts"`
	Degraded       bool      `json:"degraded"`
	Error          string    `json:"error"`
	FailedAt       time.Time `json:"failedAt"`
}

// Publisher writes dead-letter records.
type Publisher interface {
	Publish(ctx context.Context, record Record) error
	Close() error
}

// KafkaPublisher writes records keyed by notification id.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher builds a writer for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: writer}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, record Record) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(record.NotificationID),
		Value: value,
		Time:  record.FailedAt,
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }
