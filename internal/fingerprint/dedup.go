package fingerprint

import (
	"strings"

	"github.com/scholarwatch/scholarwatch/internal/scholar"
)

const (
	// fuzzyMinTokens guards short titles against false-positive collapse.
	fuzzyMinTokens = 4
	// fuzzyThreshold is the token-set overlap ratio above which two titles
	// are treated as the same work.
	fuzzyThreshold = 0.9
)

// Deduper collapses near-duplicate candidates within one crawl batch. The
// seen state threads across multiple page fetches of the same profile; the
// first candidate in page order always wins.
type Deduper struct {
	byCluster   map[string]struct{}
	byCanonical map[string]struct{}
	tokenSets   []map[string]struct{}
}

// NewDeduper returns an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{
		byCluster:   make(map[string]struct{}),
		byCanonical: make(map[string]struct{}),
	}
}

// Admit reports whether the candidate is new to the batch, recording it when
// it is. Duplicates are detected by cluster id, canonical title key, and a
// token-set fuzzy match for titles with enough tokens.
func (d *Deduper) Admit(c scholar.RowCandidate) bool {
	if c.ClusterID != "" {
		if _, dup := d.byCluster[c.ClusterID]; dup {
			return false
		}
	}
	canonical := CanonicalTitle(c.Title)
	if canonical != "" {
		if _, dup := d.byCanonical[canonical]; dup {
			return false
		}
	}
	tokens := titleTokens(c.Title)
	if len(tokens) >= fuzzyMinTokens {
		for _, prev := range d.tokenSets {
			if overlapRatio(tokens, prev) >= fuzzyThreshold {
				return false
			}
		}
	}

	if c.ClusterID != "" {
		d.byCluster[c.ClusterID] = struct{}{}
	}
	if canonical != "" {
		d.byCanonical[canonical] = struct{}{}
	}
	if len(tokens) >= fuzzyMinTokens {
		d.tokenSets = append(d.tokenSets, tokens)
	}
	return true
}

func titleTokens(title string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(title)) {
		if w := nonAlnum.ReplaceAllString(f, ""); w != "" {
			out[w] = struct{}{}
		}
	}
	return out
}

// overlapRatio is |a ∩ b| over the smaller set size, so a title fully
// contained in a longer variant still registers as a duplicate.
func overlapRatio(a, b map[string]struct{}) float64 {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	if len(small) == 0 {
		return 0
	}
	shared := 0
	for w := range small {
		if _, ok := large[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}
