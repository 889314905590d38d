package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable fact about a domain occurrence. The ID doubles as the
// dedup key end-to-end: two events with the same ID are the same logical
// occurrence regardless of payload bytes, and the first write wins.
type Event struct {
	ID          string
	Type        string
	AggregateID string
	Payload     []byte
	OccurredAt  time.Time
}

// New builds an event with a fresh UUID and producer-side timestamp. The ID is
// assigned exactly once and never reassigned downstream.
func New(eventType, aggregateID string, payload []byte) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		OccurredAt:  time.Now().UTC(),
	}
}
