package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scholarwatch/scholarwatch/internal/store"
)

// QueueStore implements store.QueueStore.
type QueueStore struct {
	pool Pool
	now  func() time.Time
}

// NewQueueStore constructs a QueueStore on the shared pool.
func NewQueueStore(pool Pool) *QueueStore {
	return &QueueStore{pool: pool, now: time.Now}
}

const queueColumns = `id, user_id, profile_id, status, resume_cursor, attempts,
	next_attempt_at, reason, last_error, last_run_id, created_at, updated_at`

func scanQueueItem(row pgx.Row) (store.QueueItem, error) {
	var q store.QueueItem
	err := row.Scan(
		&q.ID,
		&q.UserID,
		&q.ProfileID,
		&q.Status,
		&q.ResumeCursor,
		&q.Attempts,
		&q.NextAttemptAt,
		&q.Reason,
		&q.LastError,
		&q.LastRunID,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	return q, err
}

// Upsert inserts or refreshes the continuation item for (user, profile). A
// dropped item is revived to queued since a fresh truncation supersedes the
// old terminal state. A retrying item keeps its status: the drain loop that
// claimed it still owns the reschedule-or-drop decision, and only the cursor
// and error fields move.
func (s *QueueStore) Upsert(ctx context.Context, item store.QueueItem) error {
	if item.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate queue item id: %w", err)
		}
		item.ID = id
	}
	now := s.now()
	query := `
		INSERT INTO continuation_queue (
			id, user_id, profile_id, status, resume_cursor, attempts,
			next_attempt_at, reason, last_error, last_run_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
		ON CONFLICT (user_id, profile_id) DO UPDATE
		SET status = CASE WHEN continuation_queue.status = $12
				THEN continuation_queue.status
				ELSE EXCLUDED.status END,
			resume_cursor = EXCLUDED.resume_cursor,
			next_attempt_at = EXCLUDED.next_attempt_at,
			reason = EXCLUDED.reason,
			last_error = EXCLUDED.last_error,
			last_run_id = EXCLUDED.last_run_id,
			updated_at = EXCLUDED.updated_at;`
	_, err := s.pool.Exec(ctx, query,
		item.ID, item.UserID, item.ProfileID, item.Status, item.ResumeCursor,
		item.Attempts, item.NextAttemptAt, item.Reason, item.LastError,
		item.LastRunID, now, store.QueueRetrying,
	)
	if err != nil {
		return fmt.Errorf("upsert queue item: %w", err)
	}
	return nil
}

// Get returns one item.
func (s *QueueStore) Get(ctx context.Context, id uuid.UUID) (store.QueueItem, error) {
	query := fmt.Sprintf(`SELECT %s FROM continuation_queue WHERE id = $1;`, queueColumns)
	q, err := scanQueueItem(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.QueueItem{}, store.ErrNotFound
	}
	if err != nil {
		return store.QueueItem{}, fmt.Errorf("get queue item: %w", err)
	}
	return q, nil
}

// List returns the user's items, soonest attempt first.
func (s *QueueStore) List(ctx context.Context, userID uuid.UUID) ([]store.QueueItem, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM continuation_queue
		WHERE user_id = $1
		ORDER BY next_attempt_at;`, queueColumns)
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

// ClaimDue atomically moves due queued items to retrying. SKIP LOCKED keeps
// concurrent drain loops from claiming the same rows.
func (s *QueueStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]store.QueueItem, error) {
	query := fmt.Sprintf(`
		UPDATE continuation_queue
		SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM continuation_queue
			WHERE status = $3 AND next_attempt_at <= $2
			ORDER BY next_attempt_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s;`, queueColumns)
	rows, err := s.pool.Query(ctx, query, store.QueueRetrying, now, store.QueueQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due queue items: %w", err)
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

// Reschedule returns a retrying item to queued with a new attempt time.
func (s *QueueStore) Reschedule(ctx context.Context, id uuid.UUID, nextAttempt time.Time, attempts int, lastErr string) error {
	query := `
		UPDATE continuation_queue
		SET status = $2, next_attempt_at = $3, attempts = $4, last_error = $5, updated_at = $6
		WHERE id = $1 AND status = $7;`
	tag, err := s.pool.Exec(ctx, query,
		id, store.QueueQueued, nextAttempt, attempts, lastErr, s.now(), store.QueueRetrying,
	)
	if err != nil {
		return fmt.Errorf("reschedule queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

// Drop marks the item dropped.
func (s *QueueStore) Drop(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE continuation_queue SET status = $2, reason = $3, updated_at = $4 WHERE id = $1;`,
		id, store.QueueDropped, reason, s.now(),
	)
	if err != nil {
		return fmt.Errorf("drop queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Clear deletes a dropped item; any other status is a wrong-state error.
func (s *QueueStore) Clear(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM continuation_queue WHERE id = $1 AND status = $2;`,
		id, store.QueueDropped,
	)
	if err != nil {
		return fmt.Errorf("clear queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

// Resolve deletes the (user, profile) item after a clean run.
func (s *QueueStore) Resolve(ctx context.Context, userID, profileID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM continuation_queue WHERE user_id = $1 AND profile_id = $2;`,
		userID, profileID,
	)
	if err != nil {
		return fmt.Errorf("resolve queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// classifyMiss distinguishes a missing row from one in the wrong state.
func (s *QueueStore) classifyMiss(ctx context.Context, id uuid.UUID) error {
	var status store.QueueStatus
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM continuation_queue WHERE id = $1;`, id,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect queue item: %w", err)
	}
	return store.ErrWrongState
}

func collectQueueItems(rows pgx.Rows) ([]store.QueueItem, error) {
	var out []store.QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item row: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
