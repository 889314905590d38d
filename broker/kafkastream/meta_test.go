package kafkastream

import (
	"testing"
	"time"

	"github.com/md-rashed-zaman/eventcore/event"
	"github.com/md-rashed-zaman/eventcore/stream"
	"github.com/segmentio/kafka-go"
)

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, kafka-2:9092 ,,")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
	if SplitBrokers("") != nil {
		t.Fatal("expected nil for empty broker list")
	}
}

func TestMessage_CarriesEventMeta(t *testing.T) {
	e := stream.Entry{
		Event: event.Event{
			ID:          "e1",
			Type:        "order.created.v1",
			AggregateID: "order-42",
			Payload:     []byte(`{}`),
			OccurredAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
	msg := message(t.Context(), "orders", e)

	if msg.Topic != "orders" {
		t.Fatalf("unexpected topic: %s", msg.Topic)
	}
	if string(msg.Key) != "order-42" {
		t.Fatalf("message not keyed by aggregate ID: %q", msg.Key)
	}
	if headerValue(msg.Headers, headerEventID) != "e1" {
		t.Fatalf("missing event_id header: %v", msg.Headers)
	}
	if headerValue(msg.Headers, headerEventType) != "order.created.v1" {
		t.Fatalf("missing event_type header: %v", msg.Headers)
	}
}

func TestEntry_FallsBackToKeyAndTopic(t *testing.T) {
	r := NewReader("kafka-1:9092")
	msg := kafka.Message{
		Topic:     "orders",
		Partition: 2,
		Offset:    17,
		Key:       []byte("order-42"),
		Value:     []byte(`{}`),
	}
	e := r.entry("orders", "billing", msg)

	if e.ID != "2-17" {
		t.Fatalf("unexpected entry ID: %s", e.ID)
	}
	if e.Event.ID != "order-42" {
		t.Fatalf("expected key fallback for event ID, got %q", e.Event.ID)
	}
	if e.Event.Type != "orders" {
		t.Fatalf("expected topic fallback for event type, got %q", e.Event.Type)
	}
}
