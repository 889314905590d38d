package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/md-rashed-zaman/eventcore/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStorage struct {
	pending []Record

	sent     []int64
	retried  map[int64]int
	retryAt  map[int64]time.Time
	failed   map[int64]string
	fetchErr error
}

func newFakeStorage(records ...Record) *fakeStorage {
	return &fakeStorage{
		pending: records,
		retried: make(map[int64]int),
		retryAt: make(map[int64]time.Time),
		failed:  make(map[int64]string),
	}
}

func (s *fakeStorage) FetchPending(_ context.Context, limit int) ([]Record, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if limit > len(s.pending) {
		limit = len(s.pending)
	}
	batch := s.pending[:limit]
	s.pending = s.pending[limit:]
	return batch, nil
}

func (s *fakeStorage) MarkSent(_ context.Context, ids []int64) error {
	s.sent = append(s.sent, ids...)
	return nil
}

func (s *fakeStorage) MarkRetry(_ context.Context, id int64, attempts int, nextAttemptAt time.Time, _ string) error {
	s.retried[id] = attempts
	s.retryAt[id] = nextAttemptAt
	return nil
}

func (s *fakeStorage) MarkFailed(_ context.Context, id int64, reason string) error {
	s.failed[id] = reason
	return nil
}

type fakePublisher struct {
	published []event.Event
	failIDs   map[string]bool
}

func (p *fakePublisher) Publish(_ context.Context, _ string, ev event.Event) error {
	if p.failIDs[ev.ID] {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, ev)
	return nil
}

func record(id int64, eventID, aggregateID string) Record {
	return Record{
		ID:     id,
		Status: StatusPending,
		Event: event.Event{
			ID:          eventID,
			Type:        "order.created.v1",
			AggregateID: aggregateID,
			OccurredAt:  time.Now().UTC(),
		},
	}
}

func TestRelay_ForwardsAndMarksSent(t *testing.T) {
	store := newFakeStorage(record(1, "e1", "order-1"), record(2, "e2", "order-2"))
	pub := &fakePublisher{}
	r := NewRelay(store, pub, testLogger(), RelayConfig{Stream: "orders"})

	if err := r.Forward(context.Background()); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(pub.published) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.published))
	}
	if len(store.sent) != 2 || store.sent[0] != 1 || store.sent[1] != 2 {
		t.Fatalf("unexpected sent ids: %v", store.sent)
	}
}

func TestRelay_FailureSchedulesRetryWithBackoff(t *testing.T) {
	store := newFakeStorage(record(1, "e1", "order-1"))
	pub := &fakePublisher{failIDs: map[string]bool{"e1": true}}
	r := NewRelay(store, pub, testLogger(), RelayConfig{
		Stream:      "orders",
		MaxAttempts: 5,
		BaseBackoff: time.Second,
	})

	before := time.Now()
	if err := r.Forward(context.Background()); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if store.retried[1] != 1 {
		t.Fatalf("expected attempt 1, got %d", store.retried[1])
	}
	if !store.retryAt[1].After(before) {
		t.Fatalf("next attempt %s not in the future", store.retryAt[1])
	}
	if len(store.sent) != 0 {
		t.Fatalf("failed record marked sent: %v", store.sent)
	}
}

func TestRelay_PreservesOrderPerAggregate(t *testing.T) {
	// e1 and e3 share an aggregate; once e1 fails, e3 must be held back
	// while the unrelated e2 still goes out.
	store := newFakeStorage(
		record(1, "e1", "order-1"),
		record(2, "e2", "order-2"),
		record(3, "e3", "order-1"),
	)
	pub := &fakePublisher{failIDs: map[string]bool{"e1": true}}
	r := NewRelay(store, pub, testLogger(), RelayConfig{Stream: "orders"})

	if err := r.Forward(context.Background()); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0].ID != "e2" {
		t.Fatalf("expected only e2 published, got %v", pub.published)
	}
	if _, ok := store.retried[3]; ok {
		t.Fatal("held-back record burned a retry attempt")
	}
}

func TestRelay_MarksFailedAtCeiling(t *testing.T) {
	rec := record(1, "e1", "order-1")
	rec.Attempts = 2
	store := newFakeStorage(rec)
	pub := &fakePublisher{failIDs: map[string]bool{"e1": true}}

	var hooked []Record
	r := NewRelay(store, pub, testLogger(), RelayConfig{
		Stream:      "orders",
		MaxAttempts: 3,
		OnFailed:    func(r Record, _ error) { hooked = append(hooked, r) },
	})

	if err := r.Forward(context.Background()); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if store.failed[1] == "" {
		t.Fatal("record not marked failed at retry ceiling")
	}
	if len(hooked) != 1 || hooked[0].Event.ID != "e1" {
		t.Fatalf("operator hook not invoked: %v", hooked)
	}
}

func TestRelay_FetchErrorPropagates(t *testing.T) {
	store := newFakeStorage()
	store.fetchErr = errors.New("db unavailable")
	r := NewRelay(store, &fakePublisher{}, testLogger(), RelayConfig{Stream: "orders"})

	if err := r.Forward(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
}

func TestRelay_StreamForOverride(t *testing.T) {
	store := newFakeStorage(record(1, "e1", "order-1"))
	var gotStream string
	pub := publisherFunc(func(_ context.Context, stream string, _ event.Event) error {
		gotStream = stream
		return nil
	})
	r := NewRelay(store, pub, testLogger(), RelayConfig{
		StreamFor: func(ev event.Event) string { return ev.Type },
	})

	if err := r.Forward(context.Background()); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if gotStream != "order.created.v1" {
		t.Fatalf("stream override ignored, got %q", gotStream)
	}
}

type publisherFunc func(ctx context.Context, stream string, ev event.Event) error

func (f publisherFunc) Publish(ctx context.Context, stream string, ev event.Event) error {
	return f(ctx, stream, ev)
}
