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

// PublicationStore implements store.PublicationStore.
type PublicationStore struct {
	pool Pool
	now  func() time.Time
}

// NewPublicationStore constructs a PublicationStore on the shared pool.
func NewPublicationStore(pool Pool) *PublicationStore {
	return &PublicationStore{pool: pool, now: time.Now}
}

const publicationColumns = `id, user_id, fingerprint, cluster_id, title,
	normalized_title, year, citation_count, author_text, venue_text,
	public_url, pdf_url, created_at, updated_at`

func scanPublication(row pgx.Row) (store.Publication, error) {
	var p store.Publication
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Fingerprint,
		&p.ClusterID,
		&p.Title,
		&p.NormalizedTitle,
		&p.Year,
		&p.CitationCount,
		&p.AuthorText,
		&p.VenueText,
		&p.PublicURL,
		&p.PdfURL,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

// Upsert resolves the candidate to an existing row by cluster id first, then
// by fingerprint hash, inserting a new row when neither matches. On a match
// the citation count and year are refreshed; the stored title is only
// replaced by a strictly longer variant so a truncated citation string never
// overwrites a fuller one.
func (s *PublicationStore) Upsert(ctx context.Context, pub store.Publication) (store.UpsertResult, error) {
	existingID, err := s.findExisting(ctx, pub)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.UpsertResult{}, err
	}
	if err == nil {
		if err := s.refresh(ctx, existingID, pub); err != nil {
			return store.UpsertResult{}, err
		}
		return store.UpsertResult{PublicationID: existingID, Created: false}, nil
	}

	if pub.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return store.UpsertResult{}, fmt.Errorf("generate publication id: %w", err)
		}
		pub.ID = id
	}
	now := s.now()
	query := `
		INSERT INTO publications (
			id, user_id, fingerprint, cluster_id, title, normalized_title,
			year, citation_count, author_text, venue_text, public_url,
			pdf_url, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13);`
	_, err = s.pool.Exec(ctx, query,
		pub.ID, pub.UserID, pub.Fingerprint, pub.ClusterID, pub.Title,
		pub.NormalizedTitle, pub.Year, pub.CitationCount, pub.AuthorText,
		pub.VenueText, pub.PublicURL, pub.PdfURL, now,
	)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("insert publication: %w", err)
	}
	return store.UpsertResult{PublicationID: pub.ID, Created: true}, nil
}

func (s *PublicationStore) findExisting(ctx context.Context, pub store.Publication) (uuid.UUID, error) {
	var id uuid.UUID
	if pub.ClusterID != "" {
		err := s.pool.QueryRow(ctx,
			`SELECT id FROM publications WHERE user_id = $1 AND cluster_id = $2;`,
			pub.UserID, pub.ClusterID,
		).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("lookup by cluster id: %w", err)
		}
	}
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM publications WHERE user_id = $1 AND fingerprint = $2;`,
		pub.UserID, pub.Fingerprint,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, store.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup by fingerprint: %w", err)
	}
	return id, nil
}

func (s *PublicationStore) refresh(ctx context.Context, id uuid.UUID, pub store.Publication) error {
	query := `
		UPDATE publications
		SET citation_count = GREATEST(citation_count, $2),
			year = CASE WHEN year = 0 THEN $3 ELSE year END,
			cluster_id = CASE WHEN cluster_id = '' THEN $4 ELSE cluster_id END,
			title = CASE WHEN length($5) > length(title) THEN $5 ELSE title END,
			normalized_title = CASE WHEN length($5) > length(title) THEN $6 ELSE normalized_title END,
			updated_at = $7
		WHERE id = $1;`
	_, err := s.pool.Exec(ctx, query,
		id, pub.CitationCount, pub.Year, pub.ClusterID,
		pub.Title, pub.NormalizedTitle, s.now(),
	)
	if err != nil {
		return fmt.Errorf("refresh publication: %w", err)
	}
	return nil
}

// Get returns one publication.
func (s *PublicationStore) Get(ctx context.Context, id uuid.UUID) (store.Publication, error) {
	query := fmt.Sprintf(`SELECT %s FROM publications WHERE id = $1;`, publicationColumns)
	p, err := scanPublication(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Publication{}, store.ErrNotFound
	}
	if err != nil {
		return store.Publication{}, fmt.Errorf("get publication: %w", err)
	}
	return p, nil
}

// ListUnresolved returns the user's publications still missing a PDF URL.
func (s *PublicationStore) ListUnresolved(ctx context.Context, userID uuid.UUID, limit int) ([]store.Publication, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM publications
		WHERE user_id = $1 AND pdf_url = ''
		ORDER BY created_at
		LIMIT $2;`, publicationColumns)
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved publications: %w", err)
	}
	defer rows.Close()

	var out []store.Publication
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan publication row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPdfURL records a resolved open-access link.
func (s *PublicationStore) SetPdfURL(ctx context.Context, id uuid.UUID, pdfURL string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE publications SET pdf_url = $2, updated_at = $3 WHERE id = $1;`,
		id, pdfURL, s.now(),
	)
	if err != nil {
		return fmt.Errorf("set pdf url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
