package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes messages to a topic consumed by the push
// delivery service. Messages are keyed by patient so one patient's
// notifications stay ordered within a partition.
type KafkaDispatcher struct {
	w messageWriter
}

func NewKafkaDispatcher(brokers []string, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (d *KafkaDispatcher) Send(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal message: %v", ErrDispatch, err)
	}
	err = d.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.PatientID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "category", Value: []byte(msg.Category)},
			{Key: "notification_id", Value: []byte(msg.ID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.w.Close()
}
