package stream

import (
	"context"
	"errors"
	"log/slog"

	"github.com/md-rashed-zaman/eventcore/event"
	"github.com/md-rashed-zaman/eventcore/ledger"
	otelx "github.com/md-rashed-zaman/eventcore/libs/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Publisher wraps a broker's append API with idempotent-write semantics keyed
// by the event ID. The ledger write, not the append, is the durable record of
// "did we already try"; a broker with native dedup is used on top of it so a
// crash between append and ledger Complete cannot duplicate the entry.
type Publisher struct {
	broker Appender
	ledger ledger.Ledger
	logger *slog.Logger
}

func NewPublisher(broker Appender, led ledger.Ledger, logger *slog.Logger) *Publisher {
	return &Publisher{broker: broker, ledger: led, logger: logger}
}

// Publish appends ev to the named stream exactly once under retry.
func (p *Publisher) Publish(ctx context.Context, stream string, ev event.Event) error {
	ctx, span := otel.Tracer("stream").Start(ctx, "stream.publish",
		trace.WithAttributes(
			attribute.String("messaging.destination", stream),
			attribute.String("event.type", ev.Type),
		),
	)
	defer span.End()

	done, _, err := p.ledger.TryBegin(ctx, ev.ID, ledger.ScopePublish)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if done {
		p.logger.Info("duplicate publish skipped", "event_id", ev.ID, "event_type", ev.Type)
		return nil
	}

	if err := p.append(ctx, stream, ev); err != nil {
		span.RecordError(err)
		_ = p.ledger.Fail(ctx, ev.ID, ledger.ScopePublish)
		return err
	}
	return p.ledger.Complete(ctx, ev.ID, ledger.ScopePublish)
}

// PublishBatch deduplicates each event through the ledger, then hands the
// remainder to the broker in one call where it supports batching. A failure
// leaves succeeded events Completed and failed ones unmarked for retry.
func (p *Publisher) PublishBatch(ctx context.Context, stream string, evs []event.Event) error {
	var fresh []event.Event
	for _, ev := range evs {
		done, _, err := p.ledger.TryBegin(ctx, ev.ID, ledger.ScopePublish)
		if err != nil {
			return err
		}
		if done {
			p.logger.Info("duplicate publish skipped", "event_id", ev.ID, "event_type", ev.Type)
			continue
		}
		fresh = append(fresh, ev)
	}
	if len(fresh) == 0 {
		return nil
	}

	if ba, ok := p.broker.(BatchAppender); ok {
		entries := make([]Entry, 0, len(fresh))
		for _, ev := range fresh {
			entries = append(entries, p.entry(ctx, ev))
		}
		if err := ba.AppendBatch(ctx, stream, entries); err != nil {
			for _, ev := range fresh {
				_ = p.ledger.Fail(ctx, ev.ID, ledger.ScopePublish)
			}
			return err
		}
		var errs []error
		for _, ev := range fresh {
			if err := p.ledger.Complete(ctx, ev.ID, ledger.ScopePublish); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	var errs []error
	for _, ev := range fresh {
		if err := p.append(ctx, stream, ev); err != nil {
			_ = p.ledger.Fail(ctx, ev.ID, ledger.ScopePublish)
			errs = append(errs, err)
			continue
		}
		if err := p.ledger.Complete(ctx, ev.ID, ledger.ScopePublish); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) append(ctx context.Context, stream string, ev event.Event) error {
	e := p.entry(ctx, ev)
	if da, ok := p.broker.(DedupAppender); ok {
		_, duplicate, err := da.AppendDedup(ctx, stream, e)
		if duplicate {
			p.logger.Info("broker dedup hit", "event_id", ev.ID, "stream", stream)
		}
		return err
	}
	_, err := p.broker.Append(ctx, stream, e)
	return err
}

func (p *Publisher) entry(ctx context.Context, ev event.Event) Entry {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	return Entry{
		Event:       ev,
		Traceparent: traceparent,
		Tracestate:  tracestate,
	}
}
