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

// ProfileStore implements store.ProfileStore.
type ProfileStore struct {
	pool Pool
}

// NewProfileStore constructs a ProfileStore on the shared pool.
func NewProfileStore(pool Pool) *ProfileStore {
	return &ProfileStore{pool: pool}
}

const profileColumns = `id, user_id, external_id, name, enabled, baseline_done,
	last_status, last_crawled_at, first_page_fingerprint, created_at`

func scanProfile(row pgx.Row) (store.Profile, error) {
	var p store.Profile
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.ExternalID,
		&p.Name,
		&p.Enabled,
		&p.BaselineDone,
		&p.LastStatus,
		&p.LastCrawledAt,
		&p.FirstPageFingerprint,
		&p.CreatedAt,
	)
	return p, err
}

// ListEnabled returns the user's enabled profiles in creation order.
func (s *ProfileStore) ListEnabled(ctx context.Context, userID uuid.UUID) ([]store.Profile, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM profiles
		WHERE user_id = $1 AND enabled
		ORDER BY created_at, id;`, profileColumns)
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list enabled profiles: %w", err)
	}
	defer rows.Close()

	var out []store.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns one profile.
func (s *ProfileStore) Get(ctx context.Context, id uuid.UUID) (store.Profile, error) {
	query := fmt.Sprintf(`SELECT %s FROM profiles WHERE id = $1;`, profileColumns)
	p, err := scanProfile(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Profile{}, store.ErrNotFound
	}
	if err != nil {
		return store.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// RecordCrawl stamps the latest crawl attempt and, when fingerprint is
// non-empty, replaces the stored first-page fingerprint.
func (s *ProfileStore) RecordCrawl(ctx context.Context, id uuid.UUID, status, fingerprint string, at time.Time) error {
	query := `
		UPDATE profiles
		SET last_status = $2,
			last_crawled_at = $3,
			first_page_fingerprint = CASE WHEN $4 <> '' THEN $4 ELSE first_page_fingerprint END
		WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, query, id, status, at, fingerprint)
	if err != nil {
		return fmt.Errorf("record crawl: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MarkBaselineDone flips the baseline flag.
func (s *ProfileStore) MarkBaselineDone(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE profiles SET baseline_done = TRUE WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("mark baseline done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
