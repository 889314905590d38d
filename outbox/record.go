// Package outbox persists domain events in the same transaction as the state
// change that produced them, and forwards them to the stream afterwards. The
// business transaction never waits on the broker.
package outbox

import (
	"time"

	"github.com/md-rashed-zaman/eventcore/event"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Record wraps a pending-or-sent event. Created Pending inside the
// originating transaction; Sent only after a confirmed broker write; Failed
// past the retry ceiling, surfaced through the relay's failure hook rather
// than silently dropped.
type Record struct {
	ID            int64
	Event         event.Event
	Status        Status
	Attempts      int
	CreatedAt     time.Time
	LastAttemptAt time.Time
	NextAttemptAt time.Time
	LastError     string
	Traceparent   string
	Tracestate    string
}
