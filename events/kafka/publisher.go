// Package kafka publishes economy events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/warp/economy-engine/economy"
)

// Publisher implements economy.EventPublisher. Messages are keyed by the
// receiver so events for one user stay ordered within a partition.
//
// Writes are asynchronous: Publish only enqueues, so an unavailable broker
// never holds up a committed operation. Delivery failures are logged from
// the writer's completion callback.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string, log logrus.FieldLogger) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			Async:                  true,
			MaxAttempts:            3,
			WriteTimeout:           5 * time.Second,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					log.WithError(err).WithField("messages", len(messages)).Warn("event delivery failed")
				}
			},
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, ev economy.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ReceiverID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	})
}

// Close flushes queued messages.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
