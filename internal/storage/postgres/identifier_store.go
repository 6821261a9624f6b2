package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scholarwatch/scholarwatch/internal/store"
)

// IdentifierStore implements store.IdentifierStore.
type IdentifierStore struct {
	pool Pool
	now  func() time.Time
}

// NewIdentifierStore constructs an IdentifierStore on the shared pool.
func NewIdentifierStore(pool Pool) *IdentifierStore {
	return &IdentifierStore{pool: pool, now: time.Now}
}

// Upsert inserts the identifier; when (publication, kind, normalized value)
// already exists, source/evidence/raw are replaced only by a strictly
// higher-confidence candidate.
func (s *IdentifierStore) Upsert(ctx context.Context, ident store.PublicationIdentifier) error {
	if ident.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate identifier id: %w", err)
		}
		ident.ID = id
	}
	query := `
		INSERT INTO publication_identifiers (
			id, publication_id, kind, raw_value, normalized_value,
			source, confidence, evidence_url, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (publication_id, kind, normalized_value) DO UPDATE
		SET raw_value = EXCLUDED.raw_value,
			source = EXCLUDED.source,
			confidence = EXCLUDED.confidence,
			evidence_url = EXCLUDED.evidence_url
		WHERE publication_identifiers.confidence < EXCLUDED.confidence;`
	_, err := s.pool.Exec(ctx, query,
		ident.ID, ident.PublicationID, ident.Kind, ident.RawValue,
		ident.NormalizedValue, ident.Source, ident.Confidence,
		ident.EvidenceURL, s.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert identifier: %w", err)
	}
	return nil
}

// ListByPublication returns all identifiers for a publication, best kinds
// first.
func (s *IdentifierStore) ListByPublication(ctx context.Context, publicationID uuid.UUID) ([]store.PublicationIdentifier, error) {
	query := `
		SELECT id, publication_id, kind, raw_value, normalized_value,
			source, confidence, evidence_url, created_at
		FROM publication_identifiers
		WHERE publication_id = $1
		ORDER BY array_position(ARRAY['doi','arxiv','pmcid','pmid'], kind), confidence DESC;`
	rows, err := s.pool.Query(ctx, query, publicationID)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	defer rows.Close()

	var out []store.PublicationIdentifier
	for rows.Next() {
		var id store.PublicationIdentifier
		err := rows.Scan(
			&id.ID,
			&id.PublicationID,
			&id.Kind,
			&id.RawValue,
			&id.NormalizedValue,
			&id.Source,
			&id.Confidence,
			&id.EvidenceURL,
			&id.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan identifier row: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
