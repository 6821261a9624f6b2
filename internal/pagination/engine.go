package pagination

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/fingerprint"
	"github.com/scholarwatch/scholarwatch/internal/scholar"
	"github.com/scholarwatch/scholarwatch/internal/store"
)

// Ingestor persists one page's deduplicated candidates. Upserts happen per
// page, not buffered to the end, so a crash mid-crawl keeps partial progress.
type Ingestor interface {
	IngestCandidates(ctx context.Context, profile store.Profile, cands []scholar.RowCandidate) (created int, err error)
}

// EngineConfig bounds one profile's crawl.
type EngineConfig struct {
	PageSize       int
	MaxPages       int
	InterPageDelay time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10
	}
	return c
}

// Engine walks a profile's listing pages through the retry executor.
type Engine struct {
	exec     *Executor
	ingestor Ingestor
	cfg      EngineConfig
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewEngine constructs an Engine.
func NewEngine(exec *Executor, ingestor Ingestor, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		exec:     exec,
		ingestor: ingestor,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// ProfileState threads a profile's crawl across the breadth and depth passes.
// The deduper's seen set carries across page fetches so first-seen-in-page-
// order candidates win.
type ProfileState struct {
	Profile store.Profile
	// Cursor is the offset the next fetch resumes at.
	Cursor       int
	StartCursor  int
	PagesFetched int
	Extracted    int
	NewPubs      int
	Attempts     []scholar.AttemptLog

	// FirstPageFingerprint is the fingerprint of the parsed first page,
	// persisted for the next run's no-change short circuit.
	FirstPageFingerprint string
	Unchanged            bool

	Done               bool
	FirstPageState     scholar.PageState
	FirstPageReason    string
	TruncationReason   string
	ContinuationCursor *int
	FailedAfterSuccess bool

	deduper  *fingerprint.Deduper
	hasMore  bool
	rangeTop int
}

// NewProfileState initializes state at the given resume cursor.
func NewProfileState(p store.Profile, resumeCursor int) *ProfileState {
	return &ProfileState{
		Profile:     p,
		Cursor:      resumeCursor,
		StartCursor: resumeCursor,
		deduper:     fingerprint.NewDeduper(),
	}
}

// WantsMore reports whether the profile still has forward progress to make,
// meaning the depth pass should resume it.
func (st *ProfileState) WantsMore() bool {
	return !st.Done && st.hasMore
}

// Step crawls up to pageBudget further pages for the profile, stopping early
// on the max-pages ceiling, a stalled cursor, an unusable page, or a spent
// budget. Returns the number of pages fetched during this step.
func (e *Engine) Step(ctx context.Context, st *ProfileState, pageBudget int) (int, error) {
	fetched := 0
	for pageBudget > 0 && !st.Done {
		if st.PagesFetched > 0 {
			if stop := e.checkAdvance(st); stop {
				break
			}
			if e.cfg.InterPageDelay > 0 {
				if err := e.sleep(ctx, e.cfg.InterPageDelay); err != nil {
					return fetched, err
				}
			}
		}
		advanced, err := e.fetchNext(ctx, st)
		if err != nil {
			return fetched, err
		}
		if advanced {
			fetched++
			pageBudget--
		}
		if !st.hasMore {
			st.Done = true
		}
	}
	return fetched, nil
}

// checkAdvance applies the two stop conditions checked before every follow-up
// fetch. Either one records a truncation reason plus a resumable cursor.
func (e *Engine) checkAdvance(st *ProfileState) bool {
	if st.PagesFetched >= e.cfg.MaxPages {
		st.TruncationReason = scholar.TruncMaxPages
		next := st.rangeTop
		st.ContinuationCursor = &next
		st.Done = true
		return true
	}
	if st.rangeTop <= st.Cursor {
		st.TruncationReason = scholar.TruncCursorStalled
		stalled := st.Cursor
		st.ContinuationCursor = &stalled
		st.Done = true
		return true
	}
	st.Cursor = st.rangeTop
	return false
}

func (e *Engine) fetchNext(ctx context.Context, st *ProfileState) (bool, error) {
	page, attempts, err := e.exec.FetchPage(ctx, st.Profile.ExternalID, st.Cursor, e.cfg.PageSize)
	st.Attempts = append(st.Attempts, attempts...)
	if err != nil {
		return false, fmt.Errorf("profile %s cursor %d: %w", st.Profile.ExternalID, st.Cursor, err)
	}

	first := st.PagesFetched == 0
	if first {
		st.FirstPageState = page.State
		st.FirstPageReason = page.Reason
	}

	if !page.Usable() {
		st.Done = true
		if page.State == scholar.PageNetworkError {
			// Retry resumes at the same point; only network failures earn
			// a continuation.
			cursor := st.Cursor
			st.ContinuationCursor = &cursor
			st.TruncationReason = scholar.TruncNetworkError
		}
		if !first {
			st.FailedAfterSuccess = true
		}
		return false, nil
	}

	if first {
		st.FirstPageFingerprint = page.Parsed.Fingerprint
		if st.StartCursor == 0 &&
			st.Profile.FirstPageFingerprint != "" &&
			page.Parsed.Fingerprint == st.Profile.FirstPageFingerprint {
			st.Unchanged = true
			st.Done = true
			st.PagesFetched = 1
			return true, nil
		}
	}

	fresh := make([]scholar.RowCandidate, 0, len(page.Parsed.Candidates))
	for _, c := range page.Parsed.Candidates {
		if st.deduper.Admit(c) {
			fresh = append(fresh, c)
		}
	}
	created, err := e.ingestor.IngestCandidates(ctx, st.Profile, fresh)
	if err != nil {
		st.Done = true
		st.FirstPageReason = fmt.Sprintf("storage upsert: %v", err)
		if !first {
			st.FailedAfterSuccess = true
		}
		return false, nil
	}

	st.PagesFetched++
	st.Extracted += len(fresh)
	st.NewPubs += created
	st.hasMore = page.Parsed.HasMore
	st.rangeTop = page.Parsed.RangeHigh
	// An empty no_results page still counts as fetched and keeps the loop
	// alive; transient empty pages must not terminate the crawl.
	return true, nil
}

// Outcome finalizes the per-profile record for the run log.
func (e *Engine) Outcome(st *ProfileState) scholar.ProfileOutcome {
	out := scholar.ProfileOutcome{
		ProfileID:          st.Profile.ID.String(),
		State:              st.FirstPageState,
		Reason:             st.FirstPageReason,
		PagesFetched:       st.PagesFetched,
		Extracted:          st.Extracted,
		NewPublications:    st.NewPubs,
		TruncationReason:   st.TruncationReason,
		ContinuationCursor: st.ContinuationCursor,
		Unchanged:          st.Unchanged,
		Attempts:           st.Attempts,
	}
	switch {
	case st.PagesFetched == 0:
		out.Result = scholar.ProfileFailed
	case st.TruncationReason != "" || st.FailedAfterSuccess:
		out.Result = scholar.ProfilePartial
	default:
		out.Result = scholar.ProfileSuccess
	}
	return out
}
