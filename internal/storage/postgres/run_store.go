package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scholarwatch/scholarwatch/internal/store"
)

// RunStore implements store.RunStore.
type RunStore struct {
	pool Pool
}

// NewRunStore constructs a RunStore on the shared pool.
func NewRunStore(pool Pool) *RunStore {
	return &RunStore{pool: pool}
}

const runColumns = `id, user_id, trigger_type, status, scholar_count,
	new_pub_count, log, idempotency_key, started_at, finished_at`

func scanRun(row pgx.Row) (store.CrawlRun, error) {
	var (
		r       store.CrawlRun
		logJSON []byte
	)
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.Trigger,
		&r.Status,
		&r.ScholarCount,
		&r.NewPubCount,
		&logJSON,
		&r.IdempotencyKey,
		&r.StartedAt,
		&r.FinishedAt,
	)
	if err != nil {
		return store.CrawlRun{}, err
	}
	if len(logJSON) > 0 {
		if err := json.Unmarshal(logJSON, &r.Log); err != nil {
			return store.CrawlRun{}, fmt.Errorf("decode run log: %w", err)
		}
	}
	return r, nil
}

// Create inserts a new run.
func (s *RunStore) Create(ctx context.Context, run store.CrawlRun) error {
	logJSON, err := run.Log.MarshalLog()
	if err != nil {
		return fmt.Errorf("encode run log: %w", err)
	}
	query := `
		INSERT INTO crawl_runs (
			id, user_id, trigger_type, status, scholar_count, new_pub_count,
			log, idempotency_key, started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`
	_, err = s.pool.Exec(ctx, query,
		run.ID, run.UserID, run.Trigger, run.Status, run.ScholarCount,
		run.NewPubCount, logJSON, run.IdempotencyKey, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Get returns one run.
func (s *RunStore) Get(ctx context.Context, id uuid.UUID) (store.CrawlRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM crawl_runs WHERE id = $1;`, runColumns)
	r, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CrawlRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.CrawlRun{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// GetByIdempotencyKey returns the prior run for (user, key).
func (s *RunStore) GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (store.CrawlRun, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM crawl_runs
		WHERE user_id = $1 AND idempotency_key = $2
		ORDER BY started_at DESC
		LIMIT 1;`, runColumns)
	r, err := scanRun(s.pool.QueryRow(ctx, query, userID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CrawlRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.CrawlRun{}, fmt.Errorf("get run by idempotency key: %w", err)
	}
	return r, nil
}

// UpdateStatus moves the run to the given status.
func (s *RunStore) UpdateStatus(ctx context.Context, id uuid.UUID, status store.RunStatus, finishedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE crawl_runs SET status = $2, finished_at = $3 WHERE id = $1;`,
		id, status, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SaveLog writes the aggregate log and counters.
func (s *RunStore) SaveLog(ctx context.Context, id uuid.UUID, log store.RunLog, scholarCount, newPubCount int) error {
	logJSON, err := log.MarshalLog()
	if err != nil {
		return fmt.Errorf("encode run log: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE crawl_runs SET log = $2, scholar_count = $3, new_pub_count = $4 WHERE id = $1;`,
		id, logJSON, scholarCount, newPubCount,
	)
	if err != nil {
		return fmt.Errorf("save run log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListStuckResolving returns runs stuck in RESOLVING since before olderThan.
func (s *RunStore) ListStuckResolving(ctx context.Context, olderThan time.Time) ([]store.CrawlRun, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM crawl_runs
		WHERE status = $1 AND started_at <= $2
		ORDER BY started_at;`, runColumns)
	rows, err := s.pool.Query(ctx, query, store.RunResolving, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stuck resolving runs: %w", err)
	}
	defer rows.Close()

	var out []store.CrawlRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
