package outbox

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/md-rashed-zaman/eventcore/event"
	otelx "github.com/md-rashed-zaman/eventcore/libs/otel"
)

// Storage is the relay's view of the outbox store.
type Storage interface {
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkRetry(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id int64, reason string) error
}

// Publisher forwards one event to the stream; it must be idempotent under
// retry (the stream.Publisher is).
type Publisher interface {
	Publish(ctx context.Context, stream string, ev event.Event) error
}

// RelayConfig tunes the forwarder. Zero values fall back to defaults.
type RelayConfig struct {
	// Stream is the destination stream, unless StreamFor overrides per event.
	Stream string

	// StreamFor picks a destination per event (for example one stream per
	// event type). Optional.
	StreamFor func(ev event.Event) string

	// PollEvery is the fetch interval. Default 500ms.
	PollEvery time.Duration

	// BatchSize caps one fetch. Default 100.
	BatchSize int

	// MaxAttempts is the publish retry ceiling before MarkFailed. Default 5.
	MaxAttempts int

	// BaseBackoff and MaxBackoff bound the exponential retry schedule.
	// Defaults 1s and 2m.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// OnFailed is the operator signal for records parked as Failed. Optional.
	OnFailed func(r Record, cause error)
}

func (cfg *RelayConfig) applyDefaults() {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
}

// Relay closes the gap between local-transaction durability and broker
// durability: it polls for Pending records, publishes them, and marks them
// Sent. A crash between commit and publish is harmless; the next cycle picks
// the record up again and the publisher's dedup absorbs the replay.
type Relay struct {
	store  Storage
	pub    Publisher
	logger *slog.Logger
	cfg    RelayConfig
}

func NewRelay(store Storage, pub Publisher, logger *slog.Logger, cfg RelayConfig) *Relay {
	cfg.applyDefaults()
	return &Relay{store: store, pub: pub, logger: logger, cfg: cfg}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Forward(ctx); err != nil {
				r.logger.Error("outbox forward failed", "err", err)
			}
		}
	}
}

// Forward processes one batch. Records for the same aggregate are forwarded
// in creation order: once one fails, later records of that aggregate are
// skipped until it goes through, preserving causal order downstream.
func (r *Relay) Forward(ctx context.Context) error {
	records, err := r.store.FetchPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	var sent []int64
	blocked := make(map[string]bool)
	for _, rec := range records {
		if blocked[rec.Event.AggregateID] {
			continue
		}

		pubCtx := otelx.ContextWithTraceContext(ctx, rec.Traceparent, rec.Tracestate)
		if err := r.pub.Publish(pubCtx, r.streamFor(rec.Event), rec.Event); err != nil {
			blocked[rec.Event.AggregateID] = true
			if markErr := r.markAttemptFailed(ctx, rec, err); markErr != nil {
				return markErr
			}
			continue
		}
		sent = append(sent, rec.ID)
	}
	return r.store.MarkSent(ctx, sent)
}

func (r *Relay) markAttemptFailed(ctx context.Context, rec Record, cause error) error {
	attempts := rec.Attempts + 1
	if attempts >= r.cfg.MaxAttempts {
		r.logger.Error("outbox record failed permanently",
			"err", cause, "event_id", rec.Event.ID, "attempts", attempts)
		if err := r.store.MarkFailed(ctx, rec.ID, cause.Error()); err != nil {
			return err
		}
		if r.cfg.OnFailed != nil {
			r.cfg.OnFailed(rec, cause)
		}
		return nil
	}

	next := time.Now().UTC().Add(r.backoff(attempts))
	r.logger.Warn("outbox publish failed, will retry",
		"err", cause, "event_id", rec.Event.ID, "attempts", attempts, "next_attempt_at", next)
	return r.store.MarkRetry(ctx, rec.ID, attempts, next, cause.Error())
}

// backoff is exponential with jitter: base*2^(n-1) plus up to half of itself.
func (r *Relay) backoff(attempts int) time.Duration {
	d := r.cfg.BaseBackoff << (attempts - 1)
	if d > r.cfg.MaxBackoff || d <= 0 {
		d = r.cfg.MaxBackoff
	}
	return d + rand.N(d/2+1)
}

func (r *Relay) streamFor(ev event.Event) string {
	if r.cfg.StreamFor != nil {
		return r.cfg.StreamFor(ev)
	}
	return r.cfg.Stream
}
