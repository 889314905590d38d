// Package stream implements the broker-facing half of the pipeline: an
// idempotent publisher, a consumer-group worker pool, and the dispatcher that
// routes decoded events to handlers. The broker itself is consumed as a black
// box through the interfaces below.
package stream

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/eventcore/event"
)

// Start positions for CreateGroup. Adapters map these onto the broker's own
// cursor vocabulary.
const (
	StartBeginning = "0"
	StartTail      = "$"
)

// Entry is the broker-resident representation of an event: a log position plus
// the event fields. Immutable once appended.
type Entry struct {
	ID    string // broker-assigned position/offset within the stream
	Event event.Event

	// Attempts is the broker's delivery count where the broker tracks one
	// (first delivery = 1). The ledger's own counter stays authoritative for
	// dead-letter decisions.
	Attempts int

	Traceparent string
	Tracestate  string

	// Failure context, set only on copies appended to a dead-letter stream.
	Source    string
	LastError string
	FailedAt  time.Time
}

// Appender appends entries to a named stream.
type Appender interface {
	Append(ctx context.Context, stream string, e Entry) (id string, err error)
}

// DedupAppender is implemented by brokers that can reject a duplicate append
// natively, keyed by the event ID. The publisher prefers it when available;
// the ledger contract stays in place either way.
type DedupAppender interface {
	AppendDedup(ctx context.Context, stream string, e Entry) (id string, duplicate bool, err error)
}

// BatchAppender groups several entries into one broker call.
type BatchAppender interface {
	AppendBatch(ctx context.Context, stream string, es []Entry) error
}

// GroupReader is the consumer-group surface: pull under a named group, ack,
// and keep long-running entries invisible to other members.
type GroupReader interface {
	// CreateGroup registers the group at the given start position. Creating a
	// group that already exists is not an error.
	CreateGroup(ctx context.Context, stream, group, start string) error

	// PullGroup returns up to max entries for this consumer, blocking up to
	// block when the stream is empty. Entries whose visibility timeout lapsed
	// on another member are redelivered here with their delivery count bumped.
	PullGroup(ctx context.Context, stream, group, consumer string, max int, block time.Duration) ([]Entry, error)

	// Ack advances the group cursor past the entry.
	Ack(ctx context.Context, stream, group, entryID string) error

	// ExtendVisibility resets the in-flight clock on an entry so slow handlers
	// are not redelivered mid-processing.
	ExtendVisibility(ctx context.Context, stream, group, consumer, entryID string) error
}

// Broker is the full surface the consumer needs.
type Broker interface {
	Appender
	GroupReader
}
