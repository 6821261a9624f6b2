package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/scholarwatch/scholarwatch/internal/store"
)

// RunLocker implements store.RunLocker with a transaction-scoped advisory
// lock, so a crashed process can never leak the lock.
type RunLocker struct {
	pool Pool
}

// NewRunLocker constructs a RunLocker on the shared pool.
func NewRunLocker(pool Pool) *RunLocker {
	return &RunLocker{pool: pool}
}

// WithUserLock runs fn while holding the user's exclusive run lock. A lock
// already held elsewhere yields store.ErrRunInProgress immediately; run
// starts never queue behind each other.
func (l *RunLocker) WithUserLock(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin run lock tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var acquired bool
	err = tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1);`, advisoryKey("run:"+userID.String())).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		return store.ErrRunInProgress
	}

	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
