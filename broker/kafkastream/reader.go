package kafkastream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/md-rashed-zaman/eventcore/stream"
	"github.com/segmentio/kafka-go"
)

// Reader implements stream.GroupReader over kafka-go consumer groups. A Kafka
// group offset is a per-partition watermark, not a per-message ack: committing
// an offset marks everything below it consumed. Acks therefore only advance
// the commit to the highest contiguous acked offset of the partition; an ack
// for a later entry is held back while an earlier entry of the same partition
// is still unacked, so that entry stays redeliverable after a rebalance.
// Rebalance is the redelivery mechanism here, so ExtendVisibility is a no-op.
type Reader struct {
	brokers []string

	mu     sync.Mutex
	groups map[string]*groupState
}

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type groupState struct {
	reader     *kafka.Reader
	commit     committer
	partitions map[int]*partitionState
}

// partitionState is the uncommitted window of one partition: delivered
// messages in offset order, plus which of them are acked.
type partitionState struct {
	window []kafka.Message
	acked  map[int64]bool
}

func NewReader(brokers string) *Reader {
	return &Reader{
		brokers: SplitBrokers(brokers),
		groups:  make(map[string]*groupState),
	}
}

// CreateGroup is a no-op: Kafka registers a group on its first fetch. The
// start position is ignored; offsets follow the group's committed cursor.
func (r *Reader) CreateGroup(context.Context, string, string, string) error {
	return nil
}

func (r *Reader) PullGroup(ctx context.Context, streamName, group, _ string, max int, block time.Duration) ([]stream.Entry, error) {
	gs := r.groupFor(streamName, group)

	var entries []stream.Entry
	deadline := time.Now().Add(block)
	for len(entries) < max {
		fetchCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := gs.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if len(entries) > 0 {
				break
			}
			return nil, err
		}
		entries = append(entries, r.entry(streamName, group, msg))
	}
	return entries, nil
}

// Ack marks the entry done and commits the longest acked prefix of its
// partition. Nothing is committed while an earlier offset is unacked, which
// keeps that earlier entry inside the group's redelivery window.
func (r *Reader) Ack(ctx context.Context, streamName, group, entryID string) error {
	partition, offset, err := parseEntryID(entryID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	gs := r.groups[streamName+"|"+group]
	if gs == nil {
		r.mu.Unlock()
		return fmt.Errorf("unknown group %s for stream %s", group, streamName)
	}
	ps := gs.partitions[partition]
	if ps == nil || !ps.holds(offset) {
		r.mu.Unlock()
		return fmt.Errorf("unknown entry %s", entryID)
	}
	ps.acked[offset] = true

	var commit *kafka.Message
	for len(ps.window) > 0 && ps.acked[ps.window[0].Offset] {
		m := ps.window[0]
		commit = &m
		ps.window = ps.window[1:]
		delete(ps.acked, m.Offset)
	}
	cm := gs.commit
	r.mu.Unlock()

	if commit == nil {
		return nil
	}
	return cm.CommitMessages(ctx, *commit)
}

func (r *Reader) ExtendVisibility(context.Context, string, string, string, string) error {
	return nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, gs := range r.groups {
		if gs.reader != nil {
			errs = append(errs, gs.reader.Close())
		}
	}
	r.groups = make(map[string]*groupState)
	return errors.Join(errs...)
}

func (r *Reader) groupFor(streamName, group string) *groupState {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := streamName + "|" + group
	if gs, ok := r.groups[key]; ok {
		return gs
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  r.brokers,
		GroupID:  group,
		Topic:    streamName,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	gs := &groupState{
		reader:     reader,
		commit:     reader,
		partitions: make(map[int]*partitionState),
	}
	r.groups[key] = gs
	return gs
}

func (r *Reader) entry(streamName, group string, msg kafka.Message) stream.Entry {
	r.mu.Lock()
	gs := r.groups[streamName+"|"+group]
	if gs != nil {
		ps := gs.partitions[msg.Partition]
		if ps == nil {
			ps = &partitionState{acked: make(map[int64]bool)}
			gs.partitions[msg.Partition] = ps
		}
		// A fetch at or below the window means the group rebalanced and
		// rewound to its committed cursor. The old window belongs to a dead
		// generation; drop it so stale offsets cannot hold back commits.
		if n := len(ps.window); n > 0 && msg.Offset <= ps.window[n-1].Offset {
			ps.window = nil
			ps.acked = make(map[int64]bool)
		}
		ps.window = append(ps.window, msg)
	}
	r.mu.Unlock()

	e := stream.Entry{ID: entryID(msg), Attempts: 1}
	e.Event.ID = headerValue(msg.Headers, headerEventID)
	e.Event.Type = headerValue(msg.Headers, headerEventType)
	e.Event.AggregateID = headerValue(msg.Headers, headerAggregateID)
	e.Event.Payload = msg.Value
	if ts := headerValue(msg.Headers, headerOccurredAt); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Event.OccurredAt = t
		}
	}
	if e.Event.ID == "" {
		e.Event.ID = string(msg.Key)
	}
	if e.Event.Type == "" {
		e.Event.Type = msg.Topic
	}
	e.Traceparent = headerValue(msg.Headers, "traceparent")
	e.Tracestate = headerValue(msg.Headers, "tracestate")
	return e
}

func (ps *partitionState) holds(offset int64) bool {
	for _, m := range ps.window {
		if m.Offset == offset {
			return true
		}
	}
	return false
}

func entryID(msg kafka.Message) string {
	return fmt.Sprintf("%d-%d", msg.Partition, msg.Offset)
}

func parseEntryID(id string) (partition int, offset int64, err error) {
	p, o, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed entry id %q", id)
	}
	partition, err = strconv.Atoi(p)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed entry id %q", id)
	}
	offset, err = strconv.ParseInt(o, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed entry id %q", id)
	}
	return partition, offset, nil
}

var _ stream.GroupReader = (*Reader)(nil)
