// Package fingerprint canonicalizes publication titles and computes stable
// identity keys used for cross-run matching and same-batch dedup.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// Noise suffixes appended by the source site to citation strings. Applied
// repeatedly until no pattern matches, so stacked suffixes all come off.
var noiseSuffixes = []*regexp.Regexp{
	// "... doi: 10.48550/arxiv.1412.6980"
	regexp.MustCompile(`(?i)[\s.,;]*doi:\s*\S+$`),
	// "... arXiv, Jan 29, 2017" and bare "... arXiv" / "... arXiv preprint"
	regexp.MustCompile(`(?i)[\s.,;]*arxiv(?:\s+preprint)?[\s.,;]*(?:[a-z]{3,9}\.?\s+\d{1,2},?\s+\d{4})?$`),
	// "..., preprint (2014)"
	regexp.MustCompile(`(?i)[\s.,;]*preprint\s*\(\d{4}\)$`),
	// encoding-mangled conference suffixes and trailing ellipses
	regexp.MustCompile(`[\s.,;–-]*(?:â€¦|…|\x{FFFD})[^.]*$`),
}

// trailingVenue matches a short abbreviated fragment after the final sentence
// break, e.g. ". Comput. Sci" or ". IEEE Trans. Signal Process".
var trailingVenue = regexp.MustCompile(`[.!?]\s+((?:[A-Za-z&]{1,10}\.?\s*){1,4})$`)

// leadingAuthors matches author/date fragments prepended to the title,
// e.g. "Kingma DP, Ba J (2014). ".
var leadingAuthors = regexp.MustCompile(`^(?:[A-Z][A-Za-z.\-]*,?\s+){1,6}(?:et al\.?,?\s*)?\(\d{4}\)[.:,]\s+`)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeTitle lowercases the title and strips every non-alphanumeric
// character. This is the storage-level normal form.
func NormalizeTitle(title string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(title), "")
}

// CanonicalTitle strips known citation-string noise before normalization so
// that variants of the same work collapse to one dedup key.
func CanonicalTitle(title string) string {
	s := strings.TrimSpace(title)
	s = leadingAuthors.ReplaceAllString(s, "")
	for changed := true; changed; {
		changed = false
		for _, re := range noiseSuffixes {
			if trimmed := re.ReplaceAllString(s, ""); trimmed != s {
				s = strings.TrimSpace(trimmed)
				changed = true
			}
		}
		if m := trailingVenue.FindStringSubmatchIndex(s); m != nil {
			// Only treat the fragment as venue noise when a real clause
			// precedes it; never truncate a title down to nothing.
			if head := strings.TrimSpace(s[:m[2]-1]); len(strings.Fields(head)) >= 3 {
				s = strings.TrimRight(strings.TrimSpace(s[:m[0]]), ".!?")
				changed = true
			}
		}
	}
	return NormalizeTitle(s)
}

// FirstAuthorSurname extracts the surname of the first author from a comma
// separated author string ("DP Kingma, J Ba" -> "kingma").
func FirstAuthorSurname(authorText string) string {
	first := authorText
	if i := strings.IndexAny(authorText, ",;"); i >= 0 {
		first = authorText[:i]
	}
	fields := strings.Fields(strings.TrimSpace(first))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(nonAlnum.ReplaceAllString(strings.ToLower(fields[len(fields)-1]), ""))
}

// FirstVenueWord extracts the first word of the venue string, normalized.
func FirstVenueWord(venueText string) string {
	for _, f := range strings.Fields(venueText) {
		if w := nonAlnum.ReplaceAllString(strings.ToLower(f), ""); w != "" {
			return w
		}
	}
	return ""
}

// Hash computes the storage-level fingerprint over the identity tuple
// (normalized title, year, first author surname, first venue word).
func Hash(normalizedTitle string, year int, authorSurname, venueWord string) string {
	h := sha256.New()
	h.Write([]byte(normalizedTitle))
	h.Write([]byte{'|'})
	if year != 0 {
		h.Write([]byte(strconv.Itoa(year)))
	}
	h.Write([]byte{'|'})
	h.Write([]byte(authorSurname))
	h.Write([]byte{'|'})
	h.Write([]byte(venueWord))
	return hex.EncodeToString(h.Sum(nil))
}
