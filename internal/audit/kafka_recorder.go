package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaRecorder mirrors audit entries to a topic for downstream consumers.
// Writes are asynchronous; delivery failures are logged by the completion
// callback.
type KafkaRecorder struct {
	writer *kafka.Writer
}

func NewKafkaRecorder(brokers []string, topic string, log zerolog.Logger) *KafkaRecorder {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Int("messages", len(messages)).Str("topic", topic).Msg("audit mirror write failed")
			}
		},
	}

	return &KafkaRecorder{writer: writer}
}

func (k *KafkaRecorder) Record(ctx context.Context, e Entry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal audit entry")
	}

	// keyed by aggregate so one entity's history stays on one partition
	msg := kafka.Message{
		Key:   []byte(e.AggregateID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
			{Key: "source", Value: []byte("telehealth-dispatch")},
		},
	}

	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaRecorder) Close() error {
	return k.writer.Close()
}
