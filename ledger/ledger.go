// Package ledger tracks which event IDs have been durably published or
// processed. Both the publish path and consumer groups dedup through it, so an
// at-least-once transport never produces a duplicate business-visible effect.
package ledger

import "context"

// ScopePublish is the scope used by the stream publisher. Consumers use their
// group name (prefixed) so the same event ID can safely flow through unrelated
// handlers.
const ScopePublish = "publish"

// ConsumeScope returns the ledger scope for a consumer group.
func ConsumeScope(group string) string {
	return "consume:" + group
}

const (
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusFailed     = "failed"
)

// Ledger is the idempotency store. All mutations are single-row atomic
// upserts keyed by (key, scope); no multi-row locking, so relay and consumer
// instances scale horizontally.
type Ledger interface {
	// TryBegin inserts a Processing record if absent and reports the attempt
	// number. A record already Completed returns alreadyDone=true and the
	// caller must skip the operation. A stale Processing or Failed record is
	// reclaimed with its attempt counter bumped.
	TryBegin(ctx context.Context, key, scope string) (alreadyDone bool, attempt int, err error)

	// Complete transitions Processing to Completed. Only Completed records
	// short-circuit future attempts.
	Complete(ctx context.Context, key, scope string) error

	// Fail clears the Processing marker so a future attempt is not blocked.
	// The attempt counter survives.
	Fail(ctx context.Context, key, scope string) error
}
