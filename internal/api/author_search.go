package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/parser"
	"github.com/scholarwatch/scholarwatch/internal/resolve"
	"github.com/scholarwatch/scholarwatch/internal/scholar"
)

// ErrSearchThrottled rejects an author search while the shared cooldown row
// blocks the source.
var ErrSearchThrottled = errors.New("author search is throttled")

// AuthorSearch looks up author candidates on the source site, serialized
// across processes through the shared throttle gate.
type AuthorSearch struct {
	source scholar.FetchSource
	gate   *resolve.Gate
	logger *zap.Logger
}

// NewAuthorSearch constructs an AuthorSearch.
func NewAuthorSearch(source scholar.FetchSource, gate *resolve.Gate, logger *zap.Logger) *AuthorSearch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthorSearch{source: source, gate: gate, logger: logger}
}

// Search fetches and parses one author-search results page. A rate-limit
// response from the source trips the shared cooldown before failing.
func (a *AuthorSearch) Search(ctx context.Context, query string, start int) ([]parser.AuthorCandidate, error) {
	allowed, err := a.gate.Allow(ctx)
	if err != nil {
		return nil, fmt.Errorf("author search gate: %w", err)
	}
	if !allowed {
		return nil, ErrSearchThrottled
	}

	res := a.source.FetchAuthorSearch(ctx, query, start)
	if res.Err != nil {
		return nil, fmt.Errorf("fetch author search: %w", res.Err)
	}
	if res.StatusCode == http.StatusTooManyRequests {
		if terr := a.gate.TripCooldown(ctx); terr != nil {
			a.logger.Error("trip author search cooldown failed", zap.Error(terr))
		}
		return nil, ErrSearchThrottled
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("author search returned status %d", res.StatusCode)
	}
	return parser.ParseAuthorSearch(res.Body)
}

func (s *Server) searchAuthors(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	start := 0
	if raw := r.URL.Query().Get("start"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			writeError(w, http.StatusBadRequest, "invalid start")
			return
		}
		start = val
	}
	candidates, err := s.authors.Search(r.Context(), query, start)
	if err != nil {
		if errors.Is(err, ErrSearchThrottled) {
			writeError(w, http.StatusTooManyRequests, "author search is cooling down, try again later")
			return
		}
		s.logger.Error("author search failed", zap.String("query", query), zap.Error(err))
		writeError(w, http.StatusBadGateway, "author search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authors": candidates})
}
