// Package events publishes mailing lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/broadcast-service/internal/mailing"
)

const (
	TypeStatusChanged = "mailing.status"
	TypeBatchReported = "batch.reported"
)

// Event is the envelope written to the events topic. Key is the mailing id.
type Event struct {
	Type        string         `json:"type"`
	MailingID   int64          `json:"mailing_id"`
	Status      mailing.Status `json:"status,omitempty"`
	Error       string         `json:"error,omitempty"`
	BatchNumber int            `json:"batch_number,omitempty"`
	Successful  int            `json:"successful_users,omitempty"`
	Failed      int            `json:"failed_users,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type KafkaPublisher struct {
	Writer *kafka.Writer
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(e.MailingID, 10)),
		Value: body,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.Writer.Close()
}

// Nop drops every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// New returns a Kafka publisher, or Nop when brokers is empty.
func New(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return Nop{}
	}
	return &KafkaPublisher{Writer: NewKafkaWriter(brokers, topic)}
}
