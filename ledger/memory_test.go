package ledger

import (
	"context"
	"testing"
	"time"
)

func TestMemory_FirstAttempt(t *testing.T) {
	l := NewMemory(time.Hour)
	ctx := context.Background()

	done, attempt, err := l.TryBegin(ctx, "e1", ScopePublish)
	if err != nil {
		t.Fatalf("try begin: %v", err)
	}
	if done {
		t.Fatal("fresh key reported as already done")
	}
	if attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", attempt)
	}
}

func TestMemory_CompletedShortCircuits(t *testing.T) {
	l := NewMemory(time.Hour)
	ctx := context.Background()

	if _, _, err := l.TryBegin(ctx, "e1", ScopePublish); err != nil {
		t.Fatalf("try begin: %v", err)
	}
	if err := l.Complete(ctx, "e1", ScopePublish); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, _, err := l.TryBegin(ctx, "e1", ScopePublish)
	if err != nil {
		t.Fatalf("try begin: %v", err)
	}
	if !done {
		t.Fatal("completed key not reported as done")
	}
}

func TestMemory_FailUnblocksRetryAndCountsAttempts(t *testing.T) {
	l := NewMemory(time.Hour)
	ctx := context.Background()

	_, _, _ = l.TryBegin(ctx, "e1", "consume:group-a")
	if err := l.Fail(ctx, "e1", "consume:group-a"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	done, attempt, err := l.TryBegin(ctx, "e1", "consume:group-a")
	if err != nil {
		t.Fatalf("try begin: %v", err)
	}
	if done {
		t.Fatal("failed key reported as done")
	}
	if attempt != 2 {
		t.Fatalf("expected attempt 2 after fail, got %d", attempt)
	}
}

func TestMemory_ScopesAreIndependent(t *testing.T) {
	l := NewMemory(time.Hour)
	ctx := context.Background()

	_, _, _ = l.TryBegin(ctx, "e1", ScopePublish)
	_ = l.Complete(ctx, "e1", ScopePublish)

	done, attempt, err := l.TryBegin(ctx, "e1", ConsumeScope("notifications"))
	if err != nil {
		t.Fatalf("try begin: %v", err)
	}
	if done || attempt != 1 {
		t.Fatalf("publish scope leaked into consume scope: done=%v attempt=%d", done, attempt)
	}
}

func TestMemory_ExpiredRecordIsReclaimed(t *testing.T) {
	l := NewMemory(time.Millisecond)
	ctx := context.Background()

	_, _, _ = l.TryBegin(ctx, "e1", ScopePublish)
	_ = l.Complete(ctx, "e1", ScopePublish)
	time.Sleep(5 * time.Millisecond)

	done, attempt, err := l.TryBegin(ctx, "e1", ScopePublish)
	if err != nil {
		t.Fatalf("try begin: %v", err)
	}
	if done || attempt != 1 {
		t.Fatalf("expired record still short-circuits: done=%v attempt=%d", done, attempt)
	}
}
