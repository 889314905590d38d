package ledger

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, time.Hour)
}

func TestRedisLifecycle(t *testing.T) {
	led := newTestRedis(t)
	ctx := t.Context()

	done, attempt, err := led.TryBegin(ctx, "e1", ScopePublish)
	if err != nil {
		t.Fatalf("try begin: %v", err)
	}
	if done || attempt != 1 {
		t.Fatalf("expected fresh attempt 1, got done=%v attempt=%d", done, attempt)
	}

	if err := led.Fail(ctx, "e1", ScopePublish); err != nil {
		t.Fatalf("fail: %v", err)
	}
	done, attempt, err = led.TryBegin(ctx, "e1", ScopePublish)
	if err != nil {
		t.Fatalf("try begin: %v", err)
	}
	if done || attempt != 2 {
		t.Fatalf("expected attempt 2 after failure, got done=%v attempt=%d", done, attempt)
	}

	if err := led.Complete(ctx, "e1", ScopePublish); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, attempt, err = led.TryBegin(ctx, "e1", ScopePublish)
	if err != nil {
		t.Fatalf("try begin: %v", err)
	}
	if !done || attempt != 2 {
		t.Fatalf("expected completed short-circuit at attempt 2, got done=%v attempt=%d", done, attempt)
	}
}

func TestRedisTryBegin_CompletedWithoutAttempts(t *testing.T) {
	led := newTestRedis(t)
	ctx := t.Context()

	// Complete writes only the status field, so a record whose hash expired
	// mid-flight can end up completed with no attempts counter. TryBegin must
	// still report it done instead of erroring on the missing field.
	if err := led.Complete(ctx, "e1", ScopePublish); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, attempt, err := led.TryBegin(ctx, "e1", ScopePublish)
	if err != nil {
		t.Fatalf("try begin: %v", err)
	}
	if !done {
		t.Fatal("completed record not reported as done")
	}
	if attempt != 0 {
		t.Fatalf("expected zero attempts for bare completed record, got %d", attempt)
	}
}
