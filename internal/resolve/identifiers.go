// Package resolve implements the post-crawl resolution phase: canonical
// identifier extraction and the PDF discovery cascade over external
// open-access providers.
package resolve

import (
	"regexp"
	"sort"
	"strings"

	"github.com/scholarwatch/scholarwatch/internal/store"
)

// Candidate is one extracted identifier before normalization and dedup.
type Candidate struct {
	Kind        store.IdentifierKind
	Raw         string
	Confidence  float64
	Source      string
	EvidenceURL string
}

var (
	doiPattern   = regexp.MustCompile(`10\.\d{4,9}/[^\s"'<>]+`)
	arxivPattern = regexp.MustCompile(`(?i)\b(?:arxiv:\s*)?(\d{4}\.\d{4,5})(v\d+)?\b`)
	oldArxivPat  = regexp.MustCompile(`(?i)\barxiv:\s*([a-z-]+(?:\.[A-Z]{2})?/\d{7})(v\d+)?\b`)
	pmcidPattern = regexp.MustCompile(`(?i)\bPMC(\d+)\b`)
	pmidPattern  = regexp.MustCompile(`(?i)\bpmid:?\s*(\d{4,9})\b`)
	versionTail  = regexp.MustCompile(`^(.*?)v\d+$`)
)

// kindPriority orders identifier kinds for display selection; lower is better.
var kindPriority = map[store.IdentifierKind]int{
	store.KindDOI:   0,
	store.KindArxiv: 1,
	store.KindPMCID: 2,
	store.KindPMID:  3,
}

// NormalizeIdentifier canonicalizes a raw value for its kind. An empty
// result means the value is not a valid identifier of that kind.
func NormalizeIdentifier(kind store.IdentifierKind, raw string) string {
	v := strings.TrimSpace(raw)
	switch kind {
	case store.KindDOI:
		v = strings.TrimPrefix(v, "https://doi.org/")
		v = strings.TrimPrefix(v, "http://doi.org/")
		v = strings.TrimPrefix(v, "http://dx.doi.org/")
		if i := strings.Index(strings.ToLower(v), "doi:"); i == 0 {
			v = strings.TrimSpace(v[len("doi:"):])
		}
		v = strings.TrimRight(v, ".,;)")
		v = strings.ToLower(v)
		if !doiPattern.MatchString(v) {
			return ""
		}
		return v
	case store.KindArxiv:
		v = strings.ToLower(v)
		v = strings.TrimPrefix(v, "arxiv:")
		v = strings.TrimSpace(v)
		// Version suffixes identify a revision, not the work.
		if m := versionTail.FindStringSubmatch(v); m != nil {
			v = m[1]
		}
		if v == "" {
			return ""
		}
		return v
	case store.KindPMCID:
		m := pmcidPattern.FindStringSubmatch(v)
		if m == nil {
			return ""
		}
		return "PMC" + m[1]
	case store.KindPMID:
		digits := strings.TrimFunc(v, func(r rune) bool { return r < '0' || r > '9' })
		if digits == "" || strings.ContainsFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) {
			return ""
		}
		return digits
	}
	return ""
}

// ExtractFromText scans free text (scraped citation strings, venue lines)
// for identifier mentions. Matches found this way get a modest confidence
// since the surrounding text may describe a different work.
func ExtractFromText(text, source, evidenceURL string) []Candidate {
	var out []Candidate
	for _, m := range doiPattern.FindAllString(text, -1) {
		out = append(out, Candidate{
			Kind: store.KindDOI, Raw: m, Confidence: 0.6,
			Source: source, EvidenceURL: evidenceURL,
		})
	}
	for _, m := range arxivPattern.FindAllStringSubmatch(text, -1) {
		// Bare new-style ids are ambiguous with e.g. "2014.1234" page
		// ranges unless prefixed.
		if !strings.Contains(strings.ToLower(m[0]), "arxiv") {
			continue
		}
		out = append(out, Candidate{
			Kind: store.KindArxiv, Raw: m[1] + m[2], Confidence: 0.6,
			Source: source, EvidenceURL: evidenceURL,
		})
	}
	for _, m := range oldArxivPat.FindAllStringSubmatch(text, -1) {
		out = append(out, Candidate{
			Kind: store.KindArxiv, Raw: m[1], Confidence: 0.6,
			Source: source, EvidenceURL: evidenceURL,
		})
	}
	for _, m := range pmcidPattern.FindAllString(text, -1) {
		out = append(out, Candidate{
			Kind: store.KindPMCID, Raw: m, Confidence: 0.6,
			Source: source, EvidenceURL: evidenceURL,
		})
	}
	for _, m := range pmidPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, Candidate{
			Kind: store.KindPMID, Raw: m[1], Confidence: 0.5,
			Source: source, EvidenceURL: evidenceURL,
		})
	}
	return out
}

// DedupeCandidates collapses candidates by (kind, normalized value), keeping
// the higher-confidence one, and drops values that fail normalization.
func DedupeCandidates(cands []Candidate) []store.PublicationIdentifier {
	type key struct {
		kind store.IdentifierKind
		norm string
	}
	best := make(map[key]store.PublicationIdentifier)
	var order []key
	for _, c := range cands {
		norm := NormalizeIdentifier(c.Kind, c.Raw)
		if norm == "" {
			continue
		}
		k := key{c.Kind, norm}
		cur, ok := best[k]
		if !ok {
			order = append(order, k)
		}
		if !ok || c.Confidence > cur.Confidence {
			best[k] = store.PublicationIdentifier{
				Kind:            c.Kind,
				RawValue:        c.Raw,
				NormalizedValue: norm,
				Source:          c.Source,
				Confidence:      c.Confidence,
				EvidenceURL:     c.EvidenceURL,
			}
		}
	}
	out := make([]store.PublicationIdentifier, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// DisplayIdentifier selects the single best user-facing identifier by kind
// priority (DOI first), breaking ties on confidence. Returns false when the
// list is empty.
func DisplayIdentifier(idents []store.PublicationIdentifier) (store.PublicationIdentifier, bool) {
	if len(idents) == 0 {
		return store.PublicationIdentifier{}, false
	}
	sorted := make([]store.PublicationIdentifier, len(idents))
	copy(sorted, idents)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := kindPriority[sorted[i].Kind], kindPriority[sorted[j].Kind]
		if pi != pj {
			return pi < pj
		}
		return sorted[i].Confidence > sorted[j].Confidence
	})
	return sorted[0], true
}

// hasConfidentKind reports whether any identifier of the kind meets the
// confidence floor; used to skip redundant provider lookups.
func hasConfidentKind(idents []store.PublicationIdentifier, kind store.IdentifierKind, floor float64) bool {
	for _, id := range idents {
		if id.Kind == kind && id.Confidence >= floor {
			return true
		}
	}
	return false
}

// bestDOI returns the highest-confidence DOI, empty when none.
func bestDOI(idents []store.PublicationIdentifier) string {
	best := ""
	conf := -1.0
	for _, id := range idents {
		if id.Kind == store.KindDOI && id.Confidence > conf {
			best, conf = id.NormalizedValue, id.Confidence
		}
	}
	return best
}
