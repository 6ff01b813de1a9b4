package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/citypage-fetcher/internal/config"
	"github.com/couchcryptid/citypage-fetcher/internal/domain"
)

// Publisher produces change records to the configured Kafka topic.
// It implements pipeline.Publisher.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the change feed topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Publisher{writer: w, logger: logger}
}

// envelope is the message body: the record plus enough to route it without
// decoding the payload.
type envelope struct {
	Kind   domain.Kind `json:"kind"`
	Key    string      `json:"key"`
	Record any         `json:"record"`
}

// Publish serializes the records and writes them in a single WriteMessages
// call. Records sharing a key land on the same partition.
func (p *Publisher) Publish(ctx context.Context, records []domain.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(records))
	for i := range records {
		msg, err := serializeToMessage(records[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d records: %w", len(msgs), err)
	}
	p.logger.Debug("change records published", "topic", p.writer.Topic, "count", len(msgs))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a ChangeRecord into a Kafka message.
func serializeToMessage(rec domain.ChangeRecord) (kafkago.Message, error) {
	data, err := json.Marshal(envelope{Kind: rec.Kind, Key: rec.Key, Record: rec.Record})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize %s %s: %w", rec.Kind, rec.Key, err)
	}
	return kafkago.Message{
		Key:   []byte(string(rec.Kind) + "|" + rec.Key),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
			{Key: "fetched_at", Value: []byte(rec.FetchedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
