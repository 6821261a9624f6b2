package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scholarwatch/scholarwatch/internal/store"
)

// PdfJobStore implements store.PdfJobStore.
type PdfJobStore struct {
	pool Pool
	now  func() time.Time
}

// NewPdfJobStore constructs a PdfJobStore on the shared pool.
func NewPdfJobStore(pool Pool) *PdfJobStore {
	return &PdfJobStore{pool: pool, now: time.Now}
}

const pdfJobColumns = `id, publication_id, status, attempts, failure_reason,
	failure_detail, last_source, requested_by, created_at, updated_at`

func scanPdfJob(row pgx.Row) (store.PdfJob, error) {
	var j store.PdfJob
	err := row.Scan(
		&j.ID,
		&j.PublicationID,
		&j.Status,
		&j.Attempts,
		&j.FailureReason,
		&j.FailureDetail,
		&j.LastSource,
		&j.RequestedBy,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	return j, err
}

// Ensure creates a queued job for the publication if none exists.
func (s *PdfJobStore) Ensure(ctx context.Context, publicationID uuid.UUID, requestedBy string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate pdf job id: %w", err)
	}
	now := s.now()
	query := `
		INSERT INTO pdf_jobs (
			id, publication_id, status, attempts, failure_reason,
			failure_detail, last_source, requested_by, created_at, updated_at
		) VALUES ($1,$2,$3,0,'','','',$4,$5,$5)
		ON CONFLICT (publication_id) DO NOTHING;`
	_, err = s.pool.Exec(ctx, query, id, publicationID, store.PdfQueued, requestedBy, now)
	if err != nil {
		return fmt.Errorf("ensure pdf job: %w", err)
	}
	return nil
}

// ClaimQueued atomically moves up to limit queued jobs to running.
func (s *PdfJobStore) ClaimQueued(ctx context.Context, now time.Time, limit int) ([]store.PdfJob, error) {
	query := fmt.Sprintf(`
		UPDATE pdf_jobs
		SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM pdf_jobs
			WHERE status = $3
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s;`, pdfJobColumns)
	rows, err := s.pool.Query(ctx, query, store.PdfRunning, now, store.PdfQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("claim queued pdf jobs: %w", err)
	}
	defer rows.Close()

	var out []store.PdfJob
	for rows.Next() {
		j, err := scanPdfJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pdf job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkResolved records a successful resolution.
func (s *PdfJobStore) MarkResolved(ctx context.Context, id uuid.UUID, source string) error {
	query := `
		UPDATE pdf_jobs
		SET status = $2, last_source = $3, failure_reason = '',
			failure_detail = '', updated_at = $4
		WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, query, id, store.PdfResolved, source, s.now())
	if err != nil {
		return fmt.Errorf("mark pdf job resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MarkFailed records a failed attempt and bumps the attempt counter.
func (s *PdfJobStore) MarkFailed(ctx context.Context, id uuid.UUID, reason, detail string) error {
	query := `
		UPDATE pdf_jobs
		SET status = $2, attempts = attempts + 1,
			failure_reason = $3, failure_detail = $4, updated_at = $5
		WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, query, id, store.PdfFailed, reason, detail, s.now())
	if err != nil {
		return fmt.Errorf("mark pdf job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Requeue returns failed jobs whose cooldown has passed to queued; jobs at
// the attempt ceiling stay failed. Stale running jobs from crashed workers
// are requeued the same way.
func (s *PdfJobStore) Requeue(ctx context.Context, olderThan time.Time, maxAttempts int) (int, error) {
	query := `
		UPDATE pdf_jobs
		SET status = $1, updated_at = $2
		WHERE status IN ($3, $4)
			AND updated_at <= $5
			AND attempts < $6;`
	tag, err := s.pool.Exec(ctx, query,
		store.PdfQueued, s.now(), store.PdfFailed, store.PdfRunning, olderThan, maxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue pdf jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
