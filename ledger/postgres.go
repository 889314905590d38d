package ledger

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/eventcore/libs/db"
)

// Postgres keeps ledger rows in an idempotency_ledger table. TryBegin is a
// single upsert, so concurrent attempts on the same (key, scope) resolve
// without row locks held across statements.
type Postgres struct {
	pool *db.Pool
	ttl  time.Duration
}

func NewPostgres(pool *db.Pool, ttl time.Duration) *Postgres {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Postgres{pool: pool, ttl: ttl}
}

func (l *Postgres) TryBegin(ctx context.Context, key, scope string) (bool, int, error) {
	var status string
	var attempts int
	err := l.pool.QueryRow(ctx, `
		INSERT INTO idempotency_ledger (key, scope, status, attempts, expires_at)
		VALUES ($1, $2, 'processing', 1, $3)
		ON CONFLICT (key, scope) DO UPDATE
		SET status = CASE WHEN idempotency_ledger.status = 'completed'
		                  THEN 'completed' ELSE 'processing' END,
		    attempts = CASE WHEN idempotency_ledger.status = 'completed'
		                    THEN idempotency_ledger.attempts
		                    ELSE idempotency_ledger.attempts + 1 END,
		    updated_at = now()
		RETURNING status, attempts
	`, key, scope, time.Now().UTC().Add(l.ttl)).Scan(&status, &attempts)
	if err != nil {
		return false, 0, err
	}
	return status == statusCompleted, attempts, nil
}

func (l *Postgres) Complete(ctx context.Context, key, scope string) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE idempotency_ledger
		SET status = 'completed', expires_at = $3, updated_at = now()
		WHERE key = $1 AND scope = $2
	`, key, scope, time.Now().UTC().Add(l.ttl))
	return err
}

func (l *Postgres) Fail(ctx context.Context, key, scope string) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE idempotency_ledger
		SET status = 'failed', updated_at = now()
		WHERE key = $1 AND scope = $2 AND status = 'processing'
	`, key, scope)
	return err
}

// PurgeExpired removes rows past their TTL. Meant to run on a periodic sweep;
// the TTL must outlive the broker's maximum redelivery window.
func (l *Postgres) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx, `
		DELETE FROM idempotency_ledger WHERE expires_at < now()
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
