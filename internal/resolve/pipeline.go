package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/fingerprint"
	"github.com/scholarwatch/scholarwatch/internal/metrics"
	"github.com/scholarwatch/scholarwatch/internal/scholar"
	"github.com/scholarwatch/scholarwatch/internal/store"
	"github.com/scholarwatch/scholarwatch/pkg/arxiv"
	"github.com/scholarwatch/scholarwatch/pkg/crossref"
	"github.com/scholarwatch/scholarwatch/pkg/openalex"
	"github.com/scholarwatch/scholarwatch/pkg/unpaywall"
)

// OpenAlexClient is the slice of the OpenAlex client the pipeline uses.
type OpenAlexClient interface {
	SearchByTitle(ctx context.Context, title string, limit int) ([]openalex.Work, error)
}

// ArxivClient is the slice of the arXiv client the pipeline uses.
type ArxivClient interface {
	SearchTitleAuthor(ctx context.Context, title, author string, maxResults int) ([]arxiv.Entry, error)
}

// CrossrefClient is the slice of the Crossref client the pipeline uses.
type CrossrefClient interface {
	Search(ctx context.Context, q crossref.Query) ([]crossref.Work, error)
}

// UnpaywallClient is the slice of the Unpaywall client the pipeline uses.
type UnpaywallClient interface {
	Lookup(ctx context.Context, doi string) (*unpaywall.Record, error)
}

// PdfFinder probes an HTML landing page for a direct PDF link.
type PdfFinder interface {
	FindPdf(ctx context.Context, pageURL string) (string, error)
}

// Resolution sources, recorded on the job and publication.
const (
	SourceOpenAlex  = "openalex"
	SourceArxiv     = "arxiv"
	SourceUnpaywall = "unpaywall"
	SourceCrossref  = "crossref"
	SourceLanding   = "landing_page"
	SourceTitleText = "title_text"
)

// PipelineConfig tunes the resolution cascade.
type PipelineConfig struct {
	// TitleMinTokens and TitleMinAlphaTokens guard provider queries against
	// garbage titles.
	TitleMinTokens      int
	TitleMinAlphaTokens int
	// CrossrefScoreFloor is the minimum relevance score for a discovered DOI.
	CrossrefScoreFloor float64
	// ConfidentFloor is the confidence above which an existing identifier
	// makes the corresponding provider lookup redundant.
	ConfidentFloor float64
	ProviderLimit  int
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.TitleMinTokens <= 0 {
		c.TitleMinTokens = 3
	}
	if c.TitleMinAlphaTokens <= 0 {
		c.TitleMinAlphaTokens = 2
	}
	if c.CrossrefScoreFloor <= 0 {
		c.CrossrefScoreFloor = 40
	}
	if c.ConfidentFloor <= 0 {
		c.ConfidentFloor = 0.8
	}
	if c.ProviderLimit <= 0 {
		c.ProviderLimit = 5
	}
	return c
}

// Pipeline runs the PDF resolution cascade over queued jobs.
type Pipeline struct {
	cfg       PipelineConfig
	pubs      store.PublicationStore
	idents    store.IdentifierStore
	jobs      store.PdfJobStore
	openAlex  OpenAlexClient
	arxiv     ArxivClient
	crossref  CrossrefClient
	unpaywall UnpaywallClient
	landing   PdfFinder
	arxivGate *Gate
	clock     scholar.Clock
	logger    *zap.Logger
}

// NewPipeline wires the cascade.
func NewPipeline(
	cfg PipelineConfig,
	pubs store.PublicationStore,
	idents store.IdentifierStore,
	jobs store.PdfJobStore,
	oa OpenAlexClient,
	ax ArxivClient,
	cr CrossrefClient,
	uw UnpaywallClient,
	landing PdfFinder,
	arxivGate *Gate,
	clock scholar.Clock,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:       cfg.withDefaults(),
		pubs:      pubs,
		idents:    idents,
		jobs:      jobs,
		openAlex:  oa,
		arxiv:     ax,
		crossref:  cr,
		unpaywall: uw,
		landing:   landing,
		arxivGate: arxivGate,
		clock:     clock,
		logger:    logger,
	}
}

// outcome is the result of one publication's cascade.
type outcome struct {
	pdfURL string
	source string
	tried  []string
}

// batchState carries provider circuit-breaker flags across one batch.
type batchState struct {
	arxivDisabled bool
}

// ResolveBatch claims up to limit queued jobs and runs the cascade on each.
// An OpenAlex budget-exhaustion response aborts the remaining batch; an arXiv
// rate limit disables arXiv lookups for the rest of the batch only.
func (p *Pipeline) ResolveBatch(ctx context.Context, userID uuid.UUID, limit int) error {
	claimed, err := p.jobs.ClaimQueued(ctx, p.clock.Now(), limit)
	if err != nil {
		return fmt.Errorf("claim pdf jobs: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}
	p.logger.Info("resolving pdf jobs",
		zap.String("user_id", userID.String()), zap.Int("claimed", len(claimed)))

	bs := &batchState{}
	for i, job := range claimed {
		if err := ctx.Err(); err != nil {
			p.requeueRemaining(claimed[i:], "canceled")
			return err
		}
		out, err := p.resolveOne(ctx, job, bs)
		if errors.Is(err, openalex.ErrBudgetExhausted) {
			p.failJob(ctx, job, "provider_budget", err.Error())
			p.requeueRemaining(claimed[i+1:], "batch_aborted")
			return err
		}
		if err != nil {
			p.failJob(ctx, job, "provider_error", err.Error())
			continue
		}
		if out.pdfURL == "" {
			detail := "tried: " + strings.Join(out.tried, ",")
			p.failJob(ctx, job, "no_pdf_found", detail)
			continue
		}
		if err := p.pubs.SetPdfURL(ctx, job.PublicationID, out.pdfURL); err != nil {
			p.failJob(ctx, job, "storage_error", err.Error())
			continue
		}
		if err := p.jobs.MarkResolved(ctx, job.ID, out.source); err != nil {
			p.logger.Warn("mark pdf job resolved failed",
				zap.String("job_id", job.ID.String()), zap.Error(err))
		}
		metrics.ObserveResolve(out.source)
	}
	return nil
}

func (p *Pipeline) resolveOne(ctx context.Context, job store.PdfJob, bs *batchState) (outcome, error) {
	pub, err := p.pubs.Get(ctx, job.PublicationID)
	if err != nil {
		return outcome{}, fmt.Errorf("load publication %s: %w", job.PublicationID, err)
	}

	idents, err := p.seedIdentifiers(ctx, pub)
	if err != nil {
		return outcome{}, err
	}

	out := outcome{}
	queryTitle := fingerprint.CanonicalTitle(pub.Title)
	surname := fingerprint.FirstAuthorSurname(pub.AuthorText)

	if pdf, src, err := p.tryOpenAlex(ctx, pub, queryTitle, &idents); err != nil {
		return out, err
	} else if pdf != "" {
		out.pdfURL, out.source = pdf, src
		return out, nil
	}
	out.tried = append(out.tried, SourceOpenAlex)

	if p.arxivEligible(bs, idents, queryTitle) {
		pdf, src := p.tryArxiv(ctx, pub, queryTitle, surname, bs, &idents)
		if pdf != "" {
			out.pdfURL, out.source = pdf, src
			return out, nil
		}
		out.tried = append(out.tried, SourceArxiv)
	}

	pdf, src := p.tryUnpaywall(ctx, pub, queryTitle, surname, &idents)
	if pdf != "" {
		out.pdfURL, out.source = pdf, src
		return out, nil
	}
	out.tried = append(out.tried, SourceUnpaywall)

	if pub.PublicURL != "" {
		if found, err := p.landing.FindPdf(ctx, pub.PublicURL); err == nil && found != "" {
			out.pdfURL, out.source = found, SourceLanding
			return out, nil
		}
		out.tried = append(out.tried, SourceLanding)
	}
	return out, nil
}

// seedIdentifiers loads stored identifiers and folds in anything extractable
// from the scraped citation text.
func (p *Pipeline) seedIdentifiers(ctx context.Context, pub store.Publication) ([]store.PublicationIdentifier, error) {
	idents, err := p.idents.ListByPublication(ctx, pub.ID)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	extracted := ExtractFromText(pub.Title+" "+pub.VenueText, SourceTitleText, pub.PublicURL)
	for _, id := range DedupeCandidates(extracted) {
		id.PublicationID = pub.ID
		if err := p.idents.Upsert(ctx, id); err != nil {
			return nil, fmt.Errorf("upsert identifier: %w", err)
		}
		idents = append(idents, id)
	}
	return idents, nil
}

func (p *Pipeline) tryOpenAlex(ctx context.Context, pub store.Publication, queryTitle string, idents *[]store.PublicationIdentifier) (string, string, error) {
	works, err := p.openAlex.SearchByTitle(ctx, queryTitle, p.cfg.ProviderLimit)
	if errors.Is(err, openalex.ErrBudgetExhausted) {
		return "", "", err
	}
	if err != nil {
		p.logger.Warn("openalex search failed",
			zap.String("publication_id", pub.ID.String()), zap.Error(err))
		return "", "", nil
	}
	want := fingerprint.NormalizeTitle(queryTitle)
	for _, w := range works {
		got := w.Title
		if got == "" {
			got = w.DisplayName
		}
		if fingerprint.NormalizeTitle(fingerprint.CanonicalTitle(got)) != want {
			continue
		}
		if w.DOI != "" {
			p.recordIdentifier(ctx, pub.ID, Candidate{
				Kind: store.KindDOI, Raw: w.DOI, Confidence: 0.9,
				Source: SourceOpenAlex, EvidenceURL: w.ID,
			}, idents)
		}
		if pdf := w.PdfURL(); pdf != "" {
			return pdf, SourceOpenAlex, nil
		}
		// Title matched but no OA copy; keep the DOI and fall through.
		break
	}
	return "", "", nil
}

// arxivEligible applies the per-batch circuit breaker, the redundancy check
// and the title-quality guard.
func (p *Pipeline) arxivEligible(bs *batchState, idents []store.PublicationIdentifier, queryTitle string) bool {
	if bs.arxivDisabled {
		return false
	}
	if hasConfidentKind(idents, store.KindDOI, p.cfg.ConfidentFloor) ||
		hasConfidentKind(idents, store.KindArxiv, p.cfg.ConfidentFloor) {
		return false
	}
	return p.titleQualifies(queryTitle)
}

func (p *Pipeline) titleQualifies(title string) bool {
	tokens := strings.Fields(title)
	if len(tokens) < p.cfg.TitleMinTokens {
		return false
	}
	alpha := 0
	for _, tok := range tokens {
		for _, r := range tok {
			if unicode.IsLetter(r) {
				alpha++
				break
			}
		}
	}
	return alpha >= p.cfg.TitleMinAlphaTokens
}

func (p *Pipeline) tryArxiv(ctx context.Context, pub store.Publication, queryTitle, surname string, bs *batchState, idents *[]store.PublicationIdentifier) (string, string) {
	allowed, err := p.arxivGate.Allow(ctx)
	if err != nil {
		p.logger.Warn("arxiv gate check failed", zap.Error(err))
		return "", ""
	}
	if !allowed {
		return "", ""
	}
	entries, err := p.arxiv.SearchTitleAuthor(ctx, queryTitle, surname, p.cfg.ProviderLimit)
	if errors.Is(err, arxiv.ErrRateLimited) {
		bs.arxivDisabled = true
		if terr := p.arxivGate.TripCooldown(ctx); terr != nil {
			p.logger.Warn("arxiv cooldown write failed", zap.Error(terr))
		}
		p.logger.Warn("arxiv rate limited, disabled for remainder of batch")
		return "", ""
	}
	if err != nil {
		p.logger.Warn("arxiv search failed",
			zap.String("publication_id", pub.ID.String()), zap.Error(err))
		return "", ""
	}
	want := fingerprint.NormalizeTitle(queryTitle)
	for _, e := range entries {
		if fingerprint.NormalizeTitle(fingerprint.CanonicalTitle(e.Title)) != want {
			continue
		}
		p.recordIdentifier(ctx, pub.ID, Candidate{
			Kind: store.KindArxiv, Raw: e.ArxivID(), Confidence: 0.9,
			Source: SourceArxiv, EvidenceURL: e.ID,
		}, idents)
		if pdf := e.PdfURL(); pdf != "" {
			return pdf, SourceArxiv
		}
	}
	return "", ""
}

func (p *Pipeline) tryUnpaywall(ctx context.Context, pub store.Publication, queryTitle, surname string, idents *[]store.PublicationIdentifier) (string, string) {
	doi := bestDOI(*idents)
	if doi == "" {
		doi = p.discoverDOI(ctx, pub, queryTitle, surname, idents)
	}
	if doi == "" {
		return "", ""
	}
	rec, err := p.unpaywall.Lookup(ctx, doi)
	if err != nil {
		if !errors.Is(err, unpaywall.ErrNotFound) {
			p.logger.Warn("unpaywall lookup failed",
				zap.String("doi", doi), zap.Error(err))
		}
		return "", ""
	}
	if pdf := rec.PdfURL(); pdf != "" {
		return pdf, SourceUnpaywall
	}
	// OA but only an HTML location; probe the landing page.
	if rec.BestOALocation != nil && rec.BestOALocation.URL != "" {
		if found, err := p.landing.FindPdf(ctx, rec.BestOALocation.URL); err == nil && found != "" {
			return found, SourceLanding
		}
	}
	return "", ""
}

// discoverDOI runs a Crossref bibliographic query to find a DOI for a
// publication that arrived without one.
func (p *Pipeline) discoverDOI(ctx context.Context, pub store.Publication, queryTitle, surname string, idents *[]store.PublicationIdentifier) string {
	q := crossref.Query{
		Bibliographic: queryTitle,
		Author:        surname,
		Rows:          p.cfg.ProviderLimit,
	}
	if pub.Year > 0 {
		q.FromYear = pub.Year - 1
		q.UntilYear = pub.Year + 1
	}
	works, err := p.crossref.Search(ctx, q)
	if err != nil {
		p.logger.Warn("crossref search failed",
			zap.String("publication_id", pub.ID.String()), zap.Error(err))
		return ""
	}
	want := fingerprint.NormalizeTitle(queryTitle)
	for _, w := range works {
		if w.Score < p.cfg.CrossrefScoreFloor || len(w.Title) == 0 || w.DOI == "" {
			continue
		}
		if fingerprint.NormalizeTitle(fingerprint.CanonicalTitle(w.Title[0])) != want {
			continue
		}
		p.recordIdentifier(ctx, pub.ID, Candidate{
			Kind: store.KindDOI, Raw: w.DOI, Confidence: 0.7,
			Source: SourceCrossref, EvidenceURL: "https://doi.org/" + w.DOI,
		}, idents)
		return NormalizeIdentifier(store.KindDOI, w.DOI)
	}
	return ""
}

// recordIdentifier normalizes, persists and tracks one provider-sourced
// identifier; persistence failures are logged, not fatal to the cascade.
func (p *Pipeline) recordIdentifier(ctx context.Context, pubID uuid.UUID, cand Candidate, idents *[]store.PublicationIdentifier) {
	norm := NormalizeIdentifier(cand.Kind, cand.Raw)
	if norm == "" {
		return
	}
	id := store.PublicationIdentifier{
		PublicationID:   pubID,
		Kind:            cand.Kind,
		RawValue:        cand.Raw,
		NormalizedValue: norm,
		Source:          cand.Source,
		Confidence:      cand.Confidence,
		EvidenceURL:     cand.EvidenceURL,
	}
	if err := p.idents.Upsert(ctx, id); err != nil {
		p.logger.Warn("identifier upsert failed",
			zap.String("publication_id", pubID.String()),
			zap.String("kind", string(cand.Kind)), zap.Error(err))
		return
	}
	*idents = append(*idents, id)
}

func (p *Pipeline) failJob(ctx context.Context, job store.PdfJob, reason, detail string) {
	metrics.ObserveResolve(reason)
	if err := p.jobs.MarkFailed(ctx, job.ID, reason, detail); err != nil {
		p.logger.Warn("mark pdf job failed errored",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

// requeueRemaining puts unprocessed claimed jobs back to failed so the
// background sweeper requeues them after the cooldown.
func (p *Pipeline) requeueRemaining(jobs []store.PdfJob, reason string) {
	ctx := context.Background()
	for _, job := range jobs {
		p.failJob(ctx, job, reason, "")
	}
}
