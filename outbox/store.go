package outbox

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/event"
	"github.com/md-rashed-zaman/eventcore/libs/db"
	otelx "github.com/md-rashed-zaman/eventcore/libs/otel"
)

// Store is the Postgres outbox. Append runs in the caller's transaction so an
// event is recorded if and only if its state change commits. The store never
// talks to the broker.
//
// Expected table:
//
//	outbox_events (
//	    id bigserial primary key,
//	    event_id text unique not null,
//	    event_type text not null,
//	    aggregate_id text not null,
//	    payload bytea,
//	    occurred_at timestamptz not null,
//	    status text not null default 'pending',
//	    attempts int not null default 0,
//	    created_at timestamptz not null default now(),
//	    last_attempt_at timestamptz,
//	    next_attempt_at timestamptz not null default now(),
//	    last_error text not null default '',
//	    traceparent text not null default '',
//	    tracestate text not null default ''
//	)
type Store struct {
	pool *db.Pool

	// claimFor is how long a fetched record stays invisible to other relay
	// instances before it is eligible again.
	claimFor time.Duration
}

func NewStore(pool *db.Pool, claimFor time.Duration) *Store {
	if claimFor <= 0 {
		claimFor = 30 * time.Second
	}
	return &Store{pool: pool, claimFor: claimFor}
}

// Append writes a Pending record as part of the caller's transaction.
func (s *Store) Append(ctx context.Context, tx pgx.Tx, ev event.Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, event_type, aggregate_id, payload, occurred_at, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.ID, ev.Type, ev.AggregateID, ev.Payload, ev.OccurredAt, traceparent, tracestate)
	return err
}

// FetchPending claims up to limit due records, oldest first. The claim pushes
// next_attempt_at forward as a lease, so concurrent relay instances never
// forward the same record; SKIP LOCKED resolves the race on the claim itself.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			SELECT id FROM outbox_events
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET next_attempt_at = $2
		FROM claimed c
		WHERE o.id = c.id
		RETURNING o.id, o.event_id, o.event_type, o.aggregate_id, o.payload, o.occurred_at,
		          o.status, o.attempts, o.created_at, o.last_error, o.traceparent, o.tracestate
	`, limit, time.Now().UTC().Add(s.claimFor))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Event.ID, &r.Event.Type, &r.Event.AggregateID, &r.Event.Payload,
			&r.Event.OccurredAt, &r.Status, &r.Attempts, &r.CreatedAt, &r.LastError, &r.Traceparent, &r.Tracestate); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	// UPDATE ... RETURNING does not guarantee order; restore creation order.
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// MarkSent transitions records to Sent after the broker confirmed receipt.
func (s *Store) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'sent', last_attempt_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}

// MarkRetry schedules the next publish attempt.
func (s *Store) MarkRetry(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = $2, next_attempt_at = $3, last_error = $4, last_attempt_at = now()
		WHERE id = $1
	`, id, attempts, nextAttemptAt, lastError)
	return err
}

// MarkFailed parks a record past the retry ceiling. Operator-visible via the
// relay hook and the status column, never silently dropped.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'failed', last_error = $2, last_attempt_at = now()
		WHERE id = $1
	`, id, reason)
	return err
}
