package ledger

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	status    string
	attempts  int
	expiresAt time.Time
}

// Memory is an in-process ledger for tests and single-node development. It
// honors the same TryBegin/Complete/Fail semantics as the durable backends.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*memoryRecord
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Memory{ttl: ttl, records: make(map[string]*memoryRecord)}
}

func (l *Memory) TryBegin(_ context.Context, key, scope string) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := scope + "\x00" + key
	rec, ok := l.records[k]
	if ok && time.Now().After(rec.expiresAt) {
		delete(l.records, k)
		ok = false
	}
	if !ok {
		l.records[k] = &memoryRecord{
			status:    statusProcessing,
			attempts:  1,
			expiresAt: time.Now().Add(l.ttl),
		}
		return false, 1, nil
	}
	if rec.status == statusCompleted {
		return true, rec.attempts, nil
	}
	rec.status = statusProcessing
	rec.attempts++
	return false, rec.attempts, nil
}

func (l *Memory) Complete(_ context.Context, key, scope string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[scope+"\x00"+key]; ok {
		rec.status = statusCompleted
		rec.expiresAt = time.Now().Add(l.ttl)
	}
	return nil
}

func (l *Memory) Fail(_ context.Context, key, scope string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[scope+"\x00"+key]; ok && rec.status == statusProcessing {
		rec.status = statusFailed
	}
	return nil
}

// Status reports the stored status for a key, empty if absent. Test helper.
func (l *Memory) Status(key, scope string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[scope+"\x00"+key]
	if !ok {
		return ""
	}
	return rec.status
}
