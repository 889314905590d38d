package redisstream

import (
	"testing"
	"time"

	"github.com/md-rashed-zaman/eventcore/event"
	"github.com/md-rashed-zaman/eventcore/stream"
	"github.com/redis/go-redis/v9"
)

func TestEntryRoundTrip(t *testing.T) {
	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := stream.Entry{
		Event: event.Event{
			ID:          "e1",
			Type:        "order.created.v1",
			AggregateID: "order-42",
			Payload:     []byte(`{"total":100}`),
			OccurredAt:  occurred,
		},
		Traceparent: "00-abc-def-01",
	}

	msg := redis.XMessage{ID: "1-0", Values: entryValues(e)}
	got := entryFromMessage(msg)

	if got.ID != "1-0" {
		t.Fatalf("unexpected entry ID: %s", got.ID)
	}
	if got.Event.ID != "e1" || got.Event.Type != "order.created.v1" || got.Event.AggregateID != "order-42" {
		t.Fatalf("event identity lost: %+v", got.Event)
	}
	if string(got.Event.Payload) != `{"total":100}` {
		t.Fatalf("payload lost: %q", got.Event.Payload)
	}
	if !got.Event.OccurredAt.Equal(occurred) {
		t.Fatalf("occurred_at lost: %s", got.Event.OccurredAt)
	}
	if got.Traceparent != "00-abc-def-01" {
		t.Fatalf("traceparent lost: %q", got.Traceparent)
	}
}

func TestEntryValues_DeadLetterContext(t *testing.T) {
	e := stream.Entry{
		Event:     event.Event{ID: "e1", Type: "order.created.v1"},
		Source:    "orders",
		LastError: "retry budget exhausted",
		FailedAt:  time.Now(),
	}
	values := entryValues(e)
	if values[fieldSource] != "orders" {
		t.Fatalf("missing source field: %v", values)
	}
	if values[fieldLastError] != "retry budget exhausted" {
		t.Fatalf("missing last_error field: %v", values)
	}
	if _, ok := values[fieldFailedAt]; !ok {
		t.Fatal("missing failed_at field")
	}
}
