package redisstream

import (
	"time"

	"github.com/md-rashed-zaman/eventcore/stream"
	"github.com/redis/go-redis/v9"
)

const (
	fieldEventID     = "event_id"
	fieldEventType   = "event_type"
	fieldAggregateID = "aggregate_id"
	fieldPayload     = "payload"
	fieldOccurredAt  = "occurred_at"
	fieldTraceparent = "traceparent"
	fieldTracestate  = "tracestate"
	fieldSource      = "source"
	fieldLastError   = "last_error"
	fieldFailedAt    = "failed_at"
)

func entryValues(e stream.Entry) map[string]interface{} {
	values := map[string]interface{}{
		fieldEventID:     e.Event.ID,
		fieldEventType:   e.Event.Type,
		fieldAggregateID: e.Event.AggregateID,
		fieldPayload:     string(e.Event.Payload),
		fieldOccurredAt:  e.Event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if e.Traceparent != "" {
		values[fieldTraceparent] = e.Traceparent
	}
	if e.Tracestate != "" {
		values[fieldTracestate] = e.Tracestate
	}
	if e.Source != "" {
		values[fieldSource] = e.Source
		values[fieldLastError] = e.LastError
		values[fieldFailedAt] = e.FailedAt.UTC().Format(time.RFC3339Nano)
	}
	return values
}

func entryFromMessage(msg redis.XMessage) stream.Entry {
	e := stream.Entry{ID: msg.ID}
	e.Event.ID = stringField(msg, fieldEventID)
	e.Event.Type = stringField(msg, fieldEventType)
	e.Event.AggregateID = stringField(msg, fieldAggregateID)
	if payload := stringField(msg, fieldPayload); payload != "" {
		e.Event.Payload = []byte(payload)
	}
	if ts := stringField(msg, fieldOccurredAt); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Event.OccurredAt = t
		}
	}
	e.Traceparent = stringField(msg, fieldTraceparent)
	e.Tracestate = stringField(msg, fieldTracestate)
	e.Source = stringField(msg, fieldSource)
	e.LastError = stringField(msg, fieldLastError)
	return e
}

func stringField(msg redis.XMessage, key string) string {
	v, ok := msg.Values[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
