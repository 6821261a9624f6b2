package run

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/fingerprint"
	"github.com/scholarwatch/scholarwatch/internal/metrics"
	"github.com/scholarwatch/scholarwatch/internal/scholar"
	"github.com/scholarwatch/scholarwatch/internal/store"
)

// Ingestor maps extracted row candidates onto publication upserts. It
// satisfies pagination.Ingestor.
type Ingestor struct {
	pubs    store.PublicationStore
	pdfJobs store.PdfJobStore
	logger  *zap.Logger
}

// NewIngestor constructs an Ingestor.
func NewIngestor(pubs store.PublicationStore, pdfJobs store.PdfJobStore, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{pubs: pubs, pdfJobs: pdfJobs, logger: logger}
}

// IngestCandidates upserts one page's deduplicated candidates and queues a
// PDF resolution job for each newly created publication.
func (in *Ingestor) IngestCandidates(
	ctx context.Context,
	profile store.Profile,
	cands []scholar.RowCandidate,
) (int, error) {
	created := 0
	for _, c := range cands {
		pub := candidateToPublication(profile, c)
		res, err := in.pubs.Upsert(ctx, pub)
		if err != nil {
			return created, fmt.Errorf("upsert publication %q: %w", c.Title, err)
		}
		metrics.ObserveUpsert(res.Created)
		if !res.Created {
			continue
		}
		created++
		if err := in.pdfJobs.Ensure(ctx, res.PublicationID, "crawl"); err != nil {
			// Resolution is a background concern; losing one job must not
			// fail the page's ingest.
			in.logger.Warn("ensure pdf job failed",
				zap.String("publication_id", res.PublicationID.String()),
				zap.Error(err),
			)
		}
	}
	return created, nil
}

func candidateToPublication(profile store.Profile, c scholar.RowCandidate) store.Publication {
	canonical := fingerprint.CanonicalTitle(c.Title)
	surname := fingerprint.FirstAuthorSurname(c.AuthorText)
	venue := fingerprint.FirstVenueWord(c.VenueText)
	return store.Publication{
		UserID:          profile.UserID,
		Fingerprint:     fingerprint.Hash(canonical, c.Year, surname, venue),
		ClusterID:       c.ClusterID,
		Title:           c.Title,
		NormalizedTitle: fingerprint.NormalizeTitle(c.Title),
		Year:            c.Year,
		CitationCount:   c.CitationCount,
		AuthorText:      c.AuthorText,
		VenueText:       c.VenueText,
		PublicURL:       c.DetailURL,
	}
}
