// Package bus wraps kafka-go with the engine's at-least-once envelope
// contract. Delivery order across aggregates is not guaranteed; consumers
// enforce per-aggregate order from the envelope's sequence number.
package bus

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ledgermesh/ledgermesh/internal/model"
)

// Envelope is the wire form of one event log row.
type Envelope struct {
	EventID        string          `json:"event_id"`
	CommandID      string          `json:"command_id"`
	AggregateID    uint64          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	SequenceNumber uint64          `json:"sequence_number"`
	CreatedAt      time.Time       `json:"created_at"`
}

// FromEvent converts a log row for publication.
func FromEvent(e model.Event) Envelope {
	return Envelope{
		EventID:        e.EventID,
		CommandID:      e.CommandID,
		AggregateID:    e.AggregateID,
		AggregateType:  e.AggregateType,
		Type:           e.Type,
		Payload:        json.RawMessage(e.Payload),
		SequenceNumber: e.SequenceNumber,
		CreatedAt:      e.CreatedAt,
	}
}

// Publisher sends envelopes to one topic.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher builds a writer for brokers/topic. Messages are keyed by
// aggregate id so one aggregate lands on one partition.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

// Publish writes one envelope and waits for the broker ack.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	val, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(env.AggregateID, 10)),
		Value: val,
		Time:  time.Now(),
	})
}

func (p *Publisher) Close() error { return p.writer.Close() }

// Handler consumes one envelope. A nil return commits the offset; an error
// leaves the message uncommitted for redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Subscriber reads a topic within a consumer group.
type Subscriber struct {
	reader *kafka.Reader
	log    *zap.SugaredLogger
}

func NewSubscriber(brokers []string, topic, groupID string, log *zap.SugaredLogger) *Subscriber {
	return &Subscriber{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}),
		log: log,
	}
}

// Run fetches until ctx is cancelled. Undecodable messages are committed and
// dropped after logging; redelivering them can never succeed.
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			s.log.Errorw("drop undecodable message", "offset", msg.Offset, "err", err)
			if err := s.reader.CommitMessages(ctx, msg); err != nil {
				return err
			}
			continue
		}
		if err := h(ctx, env); err != nil {
			s.log.Errorw("handler failed, leaving uncommitted",
				"event_id", env.EventID, "err", err)
			continue
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *Subscriber) Close() error { return s.reader.Close() }
