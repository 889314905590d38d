package stream

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/eventcore/ledger"
	otelx "github.com/md-rashed-zaman/eventcore/libs/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var errMalformedEntry = errors.New("entry missing event id or type")

// ConsumerConfig carries the tuning knobs for one consumer-group member.
// Zero values fall back to the documented defaults.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string

	// DeadLetterStream defaults to Stream + ".dlq".
	DeadLetterStream string

	// Workers is the pool size. Entries are pinned to a worker by a stable
	// hash of the aggregate ID, preserving per-aggregate order. Default 4.
	Workers int

	// BatchSize caps one pull. Default 100.
	BatchSize int

	// Block is how long a pull waits when the stream is empty. Default 2s.
	Block time.Duration

	// ExtendEvery is the visibility-extension cadence; keep it well under the
	// broker's visibility timeout. Default 10s.
	ExtendEvery time.Duration

	// MaxProcessing is the hard ceiling on one handler invocation. Visibility
	// stops being extended past it, bounding a stuck entry's lifetime.
	// Default 5m.
	MaxProcessing time.Duration

	// MaxAttempts is the retry ceiling before an entry is dead-lettered.
	// Default 5.
	MaxAttempts int

	// DrainTimeout bounds the shutdown drain of in-flight entries. Entries
	// still unacknowledged after it redeliver to other group members.
	// Default 10s.
	DrainTimeout time.Duration

	// OnDeadLetter is the operator signal for DeadLettered transitions.
	// Optional.
	OnDeadLetter func(e Entry, cause error)
}

func (cfg *ConsumerConfig) applyDefaults() {
	if cfg.DeadLetterStream == "" {
		cfg.DeadLetterStream = cfg.Stream + ".dlq"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ExtendEvery <= 0 {
		cfg.ExtendEvery = 10 * time.Second
	}
	if cfg.MaxProcessing <= 0 {
		cfg.MaxProcessing = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
}

// Consumer reads a stream under a named consumer group and runs each entry
// through an explicit state machine:
//
//	Received -> Processing -> {Acknowledged | Retrying | DeadLettered}
//
// Acknowledge happens only after successful, deduplicated processing; entries
// left unacknowledged redeliver via the broker's visibility timeout.
type Consumer struct {
	broker     Broker
	ledger     ledger.Ledger
	dispatcher *Dispatcher
	logger     *slog.Logger
	cfg        ConsumerConfig
	scope      string
}

func NewConsumer(broker Broker, led ledger.Ledger, d *Dispatcher, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		broker:     broker,
		ledger:     led,
		dispatcher: d,
		logger:     logger,
		cfg:        cfg,
		scope:      ledger.ConsumeScope(cfg.Group),
	}
}

// Run pulls and processes until ctx is canceled, then drains in-flight
// entries up to the drain timeout.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.broker.CreateGroup(ctx, c.cfg.Stream, c.cfg.Group, StartBeginning); err != nil {
		return err
	}

	queues := make([]chan Entry, c.cfg.Workers)
	done := make(chan struct{})
	workersLeft := c.cfg.Workers
	workerDone := make(chan struct{}, c.cfg.Workers)

	// Processing must survive ctx cancellation so the drain can finish
	// in-flight entries; MaxProcessing still bounds each one.
	procCtx := context.WithoutCancel(ctx)

	for i := range queues {
		queues[i] = make(chan Entry, c.cfg.BatchSize)
		go func(ch chan Entry) {
			for e := range ch {
				c.process(procCtx, e)
			}
			workerDone <- struct{}{}
		}(queues[i])
	}
	go func() {
		for workersLeft > 0 {
			<-workerDone
			workersLeft--
		}
		close(done)
	}()

	c.pullLoop(ctx, queues)

	for _, ch := range queues {
		close(ch)
	}
	select {
	case <-done:
	case <-time.After(c.cfg.DrainTimeout):
		c.logger.Warn("consumer drain timed out, unacked entries will redeliver",
			"stream", c.cfg.Stream, "group", c.cfg.Group)
	}
	return nil
}

func (c *Consumer) pullLoop(ctx context.Context, queues []chan Entry) {
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := c.broker.PullGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("stream pull error", "err", err, "stream", c.cfg.Stream)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, e := range entries {
			select {
			case queues[c.route(e)] <- e:
			case <-ctx.Done():
				return
			}
		}
	}
}

// route pins an entry to a worker by aggregate ID so events for the same
// aggregate are processed sequentially in arrival order.
func (c *Consumer) route(e Entry) int {
	key := e.Event.AggregateID
	if key == "" {
		key = e.Event.ID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(c.cfg.Workers))
}

func (c *Consumer) process(ctx context.Context, e Entry) {
	ctx = otelx.ContextWithTraceContext(ctx, e.Traceparent, e.Tracestate)
	ctx, span := otel.Tracer("stream").Start(ctx, "stream.consume",
		trace.WithAttributes(
			attribute.String("messaging.destination", c.cfg.Stream),
			attribute.String("messaging.consumer_group", c.cfg.Group),
			attribute.String("event.type", e.Event.Type),
		),
	)
	defer span.End()

	if e.Event.ID == "" || e.Event.Type == "" {
		c.deadLetter(ctx, e, errMalformedEntry)
		return
	}

	done, attempt, err := c.ledger.TryBegin(ctx, e.Event.ID, c.scope)
	if err != nil {
		// Ledger unavailable: leave the entry unacked so the whole batch
		// retries after the visibility timeout, never partially commit.
		c.logger.Error("ledger unavailable", "err", err, "event_id", e.Event.ID)
		span.RecordError(err)
		return
	}
	if done {
		c.logger.Info("duplicate event ignored", "event_id", e.Event.ID, "event_type", e.Event.Type)
		c.ack(ctx, e)
		return
	}
	if attempt > c.cfg.MaxAttempts {
		c.deadLetter(ctx, e, errors.New("retry budget exhausted"))
		return
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.MaxProcessing)
	stopExtend := c.keepVisible(hctx, e)
	err = c.dispatcher.Dispatch(hctx, e.Event)
	stopExtend()
	cancel()

	switch {
	case err == nil:
		if err := c.ledger.Complete(ctx, e.Event.ID, c.scope); err != nil {
			// Not acked: the record is still Processing, so the redelivery
			// runs the handler again. The effect already happened, so this
			// window is where at-least-once shows through.
			c.logger.Error("ledger complete failed", "err", err, "event_id", e.Event.ID)
			span.RecordError(err)
			return
		}
		c.ack(ctx, e)

	case isUnknownType(err):
		c.logger.Warn("unknown event type", "event_type", e.Event.Type, "event_id", e.Event.ID)
		c.deadLetter(ctx, e, err)

	case IsTerminal(err):
		c.deadLetter(ctx, e, err)

	case attempt >= c.cfg.MaxAttempts:
		c.deadLetter(ctx, e, err)

	default:
		// Retrying: clear the processing marker and leave the entry unacked;
		// the broker redelivers after the visibility timeout.
		c.logger.Warn("handler failed, will retry",
			"err", err, "event_id", e.Event.ID, "attempt", attempt, "max_attempts", c.cfg.MaxAttempts)
		span.RecordError(err)
		_ = c.ledger.Fail(ctx, e.Event.ID, c.scope)
	}
}

// keepVisible extends the entry's visibility on a fixed cadence until the
// returned stop func is called or ctx (bounded by MaxProcessing) ends.
func (c *Consumer) keepVisible(ctx context.Context, e Entry) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.cfg.ExtendEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.broker.ExtendVisibility(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, e.ID); err != nil {
					c.logger.Warn("visibility extension failed", "err", err, "entry_id", e.ID)
				}
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(stop)
		}
	}
}

// deadLetter copies the entry to the dead-letter stream with failure context,
// then acknowledges it on the source so a poison entry cannot block the
// partition. The copy is deduplicated by event ID where the broker can.
func (c *Consumer) deadLetter(ctx context.Context, e Entry, cause error) {
	dl := e
	dl.ID = ""
	dl.Source = c.cfg.Stream
	dl.LastError = cause.Error()
	dl.FailedAt = time.Now().UTC()

	var err error
	if da, ok := c.broker.(DedupAppender); ok {
		_, _, err = da.AppendDedup(ctx, c.cfg.DeadLetterStream, dl)
	} else {
		_, err = c.broker.Append(ctx, c.cfg.DeadLetterStream, dl)
	}
	if err != nil {
		// Leave unacked; the entry redelivers and dead-lettering is retried.
		c.logger.Error("dead-letter append failed", "err", err, "event_id", e.Event.ID)
		return
	}

	// Clear the marker so an operator redrive of the DLQ can reprocess.
	_ = c.ledger.Fail(ctx, e.Event.ID, c.scope)
	c.ack(ctx, e)

	c.logger.Error("event dead-lettered",
		"event_id", e.Event.ID, "event_type", e.Event.Type, "reason", cause.Error())
	if c.cfg.OnDeadLetter != nil {
		c.cfg.OnDeadLetter(dl, cause)
	}
}

func (c *Consumer) ack(ctx context.Context, e Entry) {
	if err := c.broker.Ack(ctx, c.cfg.Stream, c.cfg.Group, e.ID); err != nil {
		// Redelivery is harmless: the ledger short-circuits it to another ack.
		c.logger.Warn("ack failed", "err", err, "entry_id", e.ID)
	}
}

func isUnknownType(err error) bool {
	var ut *UnknownTypeError
	return errors.As(err, &ut)
}
