// Package redisstream adapts Redis Streams to the stream.Broker contract:
// XADD for appends, consumer groups for shared cursors, and the pending
// entries list for visibility-timeout redelivery.
package redisstream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventcore/stream"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	// Visibility is how long a pulled entry stays invisible to other group
	// members before it is reclaimed. Default 30s.
	Visibility time.Duration

	// DedupTTL bounds the native dedup guard keys; keep it at least as long
	// as any producer retry horizon. Default 24h.
	DedupTTL time.Duration
}

type Broker struct {
	rdb        *redis.Client
	visibility time.Duration
	dedupTTL   time.Duration
}

// appendDedupScript claims a per-event guard key and appends in one atomic
// step, so a producer crash between append and its ledger write cannot
// duplicate the entry on replay. Returns nil when the guard already exists.
var appendDedupScript = redis.NewScript(`
local ok = redis.call("SET", KEYS[1], "1", "NX", "PX", ARGV[1])
if not ok then
  return false
end
local fields = {}
for i = 2, #ARGV do
  fields[#fields+1] = ARGV[i]
end
return redis.call("XADD", KEYS[2], "*", unpack(fields))
`)

func New(rdb *redis.Client, cfg Config) *Broker {
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	return &Broker{rdb: rdb, visibility: cfg.Visibility, dedupTTL: cfg.DedupTTL}
}

func (b *Broker) Append(ctx context.Context, streamName string, e stream.Entry) (string, error) {
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: entryValues(e),
	}).Result()
}

// AppendDedup implements stream.DedupAppender with the event ID as the native
// dedup token.
func (b *Broker) AppendDedup(ctx context.Context, streamName string, e stream.Entry) (string, bool, error) {
	guard := streamName + ":dedup:" + e.Event.ID
	args := []interface{}{b.dedupTTL.Milliseconds()}
	for k, v := range entryValues(e) {
		args = append(args, k, v)
	}
	id, err := appendDedupScript.Run(ctx, b.rdb, []string{guard, streamName}, args...).Text()
	if errors.Is(err, redis.Nil) {
		return "", true, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

// AppendBatch pipelines the appends into one round trip.
func (b *Broker) AppendBatch(ctx context.Context, streamName string, es []stream.Entry) error {
	pipe := b.rdb.Pipeline()
	for _, e := range es {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: streamName, Values: entryValues(e)})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *Broker) CreateGroup(ctx context.Context, streamName, group, start string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, streamName, group, start).Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// PullGroup first reclaims entries whose visibility lapsed on any member
// (XAUTOCLAIM), then reads fresh entries for this consumer. Reclaimed entries
// carry their delivery count from the pending entries list.
func (b *Broker) PullGroup(ctx context.Context, streamName, group, consumer string, max int, block time.Duration) ([]stream.Entry, error) {
	var entries []stream.Entry

	claimed, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamName,
		Group:    group,
		Consumer: consumer,
		MinIdle:  b.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(claimed) > 0 {
		counts, err := b.deliveryCounts(ctx, streamName, group, claimed)
		if err != nil {
			return nil, err
		}
		for _, msg := range claimed {
			e := entryFromMessage(msg)
			if n, ok := counts[msg.ID]; ok {
				e.Attempts = n
			}
			entries = append(entries, e)
		}
		if len(entries) >= max {
			return entries, nil
		}
	}

	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamName, ">"},
		Count:    int64(max - len(entries)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return entries, nil
		}
		return nil, err
	}
	for _, s := range res {
		for _, msg := range s.Messages {
			e := entryFromMessage(msg)
			e.Attempts = 1
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (b *Broker) deliveryCounts(ctx context.Context, streamName, group string, msgs []redis.XMessage) (map[string]int, error) {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamName,
		Group:  group,
		Start:  msgs[0].ID,
		End:    msgs[len(msgs)-1].ID,
		Count:  int64(len(msgs)),
	}).Result()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(pending))
	for _, p := range pending {
		counts[p.ID] = int(p.RetryCount)
	}
	return counts, nil
}

func (b *Broker) Ack(ctx context.Context, streamName, group, entryID string) error {
	return b.rdb.XAck(ctx, streamName, group, entryID).Err()
}

// ExtendVisibility re-claims the entry for its current consumer with zero min
// idle time, which resets the idle clock XAUTOCLAIM reclaims by.
func (b *Broker) ExtendVisibility(ctx context.Context, streamName, group, consumer, entryID string) error {
	return b.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   streamName,
		Group:    group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: []string{entryID},
	}).Err()
}

var _ stream.Broker = (*Broker)(nil)
var _ stream.DedupAppender = (*Broker)(nil)
var _ stream.BatchAppender = (*Broker)(nil)
