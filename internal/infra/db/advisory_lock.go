package db

import (
	"context"
	"database/sql"
	"sync"

	"sealog/internal/usecase"
)

// AdvisoryLocker implements usecase.Locker with session-level PostgreSQL advisory locks. Each
// held lock pins one pooled connection until it is released.
type AdvisoryLocker struct {
	db *sql.DB
}

var _ usecase.Locker = (*AdvisoryLocker)(nil)

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

func (l *AdvisoryLocker) TryAcquire(ctx context.Context, key string) (usecase.Release, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, mapErr(err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtextextended($1, 0))", key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, mapErr(err)
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}
	return l.release(conn, key), true, nil
}

// Acquire blocks in the database until the lock is granted or ctx ends.
func (l *AdvisoryLocker) Acquire(ctx context.Context, key string) (usecase.Release, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock(hashtextextended($1, 0))", key); err != nil {
		_ = conn.Close()
		return nil, mapErr(err)
	}
	return l.release(conn, key), nil
}

func (l *AdvisoryLocker) release(conn *sql.Conn, key string) usecase.Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock(hashtextextended($1, 0))", key)
			_ = conn.Close()
		})
	}
}
