package kafkastream

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/eventcore/stream"
	"github.com/segmentio/kafka-go"
)

// Writer implements stream.Appender and stream.BatchAppender over a kafka-go
// writer. Messages are keyed by aggregate ID through a hash balancer, which is
// what keeps per-aggregate order inside one partition.
type Writer struct {
	writer *kafka.Writer
}

func NewWriter(brokers string) *Writer {
	return &Writer{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  SplitBrokers(brokers),
			Balancer: &kafka.Hash{},
		}),
	}
}

func (w *Writer) Append(ctx context.Context, streamName string, e stream.Entry) (string, error) {
	return "", w.writer.WriteMessages(ctx, message(ctx, streamName, e))
}

func (w *Writer) AppendBatch(ctx context.Context, streamName string, es []stream.Entry) error {
	msgs := make([]kafka.Message, 0, len(es))
	for _, e := range es {
		msgs = append(msgs, message(ctx, streamName, e))
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

func message(ctx context.Context, topic string, e stream.Entry) kafka.Message {
	headers := []kafka.Header{
		{Key: headerEventID, Value: []byte(e.Event.ID)},
		{Key: headerEventType, Value: []byte(e.Event.Type)},
		{Key: headerAggregateID, Value: []byte(e.Event.AggregateID)},
		{Key: headerOccurredAt, Value: []byte(e.Event.OccurredAt.UTC().Format(time.RFC3339Nano))},
	}
	if e.Source != "" {
		headers = append(headers,
			kafka.Header{Key: headerSource, Value: []byte(e.Source)},
			kafka.Header{Key: headerLastError, Value: []byte(e.LastError)},
			kafka.Header{Key: headerFailedAt, Value: []byte(e.FailedAt.UTC().Format(time.RFC3339Nano))},
		)
	}
	headers = injectTraceHeaders(ctx, headers)

	key := []byte(e.Event.AggregateID)
	if len(key) == 0 {
		key = []byte(e.Event.ID)
	}
	return kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   e.Event.Payload,
		Headers: headers,
	}
}

var _ stream.Appender = (*Writer)(nil)
var _ stream.BatchAppender = (*Writer)(nil)
