package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/scholarwatch/scholarwatch/internal/store"
)

// ThrottleStore implements store.ThrottleStore. Each named row is mutated
// under a transaction-scoped advisory lock so concurrent worker processes
// serialize on the same external dependency.
type ThrottleStore struct {
	pool Pool
}

// NewThrottleStore constructs a ThrottleStore on the shared pool.
func NewThrottleStore(pool Pool) *ThrottleStore {
	return &ThrottleStore{pool: pool}
}

// ReadModifyWrite loads the named row under the advisory lock, applies fn and
// persists the result in the same transaction.
func (s *ThrottleStore) ReadModifyWrite(ctx context.Context, name string, fn func(store.ThrottleState) (store.ThrottleState, error)) (store.ThrottleState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.ThrottleState{}, fmt.Errorf("begin throttle tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1);`, advisoryKey("throttle:"+name)); err != nil {
		return store.ThrottleState{}, fmt.Errorf("acquire throttle lock: %w", err)
	}

	var st store.ThrottleState
	err = tx.QueryRow(ctx,
		`SELECT name, next_allowed_at, cooldown_until, updated_at FROM throttle_states WHERE name = $1;`,
		name,
	).Scan(&st.Name, &st.NextAllowedAt, &st.CooldownUntil, &st.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return store.ThrottleState{}, fmt.Errorf("read throttle state: %w", err)
	}

	next, err := fn(st)
	if err != nil {
		return store.ThrottleState{}, err
	}
	next.Name = name

	query := `
		INSERT INTO throttle_states (name, next_allowed_at, cooldown_until, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (name) DO UPDATE
		SET next_allowed_at = EXCLUDED.next_allowed_at,
			cooldown_until = EXCLUDED.cooldown_until,
			updated_at = EXCLUDED.updated_at;`
	if _, err := tx.Exec(ctx, query, next.Name, next.NextAllowedAt, next.CooldownUntil, next.UpdatedAt); err != nil {
		return store.ThrottleState{}, fmt.Errorf("write throttle state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return store.ThrottleState{}, fmt.Errorf("commit throttle tx: %w", err)
	}
	return next, nil
}
