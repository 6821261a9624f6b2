package parser

import (
	"strings"

	"github.com/scholarwatch/scholarwatch/internal/scholar"
)

// Body phrases that mark an explicit block/challenge page.
var blockPhrases = []string{
	"unusual traffic from your computer network",
	"please show you're not a robot",
	"our systems have detected unusual traffic",
}

// Challenge markers that turn an HTTP 403 into a block verdict.
var challengeMarkers = []string{
	"gs_captcha",
	"g-recaptcha",
	"recaptcha",
}

// No-results phrasings recognized on an otherwise valid page.
var noResultsPhrases = []string{
	"there are no articles in this profile",
	"no articles found",
}

// Sign-in redirect URL fragments.
var signInFragments = []string{
	"accounts.google.com/servicelogin",
	"/sorry/",
}

// Classify applies the usability rules to one fetch+parse outcome, in order:
// transport failure, explicit block signals, recognized no-results phrasing,
// layout invariants, ok. A provider markup change must surface as a
// distinguishable state, never as quietly wrong data.
func Classify(fetch scholar.FetchResult, parsed scholar.ParsedPage) scholar.ClassifiedPage {
	if fetch.Err != nil {
		return scholar.ClassifiedPage{
			State:  scholar.PageNetworkError,
			Reason: ClassifyNetworkError(fetch.Err),
			Parsed: parsed,
		}
	}

	body := strings.ToLower(string(fetch.Body))
	finalURL := strings.ToLower(fetch.FinalURL)

	if reason := blockReason(fetch.StatusCode, finalURL, body); reason != "" {
		return scholar.ClassifiedPage{State: scholar.PageBlocked, Reason: reason, Parsed: parsed}
	}

	if len(parsed.Candidates) == 0 && containsAny(body, noResultsPhrases) {
		return scholar.ClassifiedPage{State: scholar.PageNoResults, Parsed: parsed}
	}

	if reason := layoutViolation(parsed); reason != "" {
		return scholar.ClassifiedPage{State: scholar.PageLayoutChanged, Reason: reason, Parsed: parsed}
	}

	return scholar.ClassifiedPage{State: scholar.PageOK, Parsed: parsed}
}

func blockReason(status int, finalURL, body string) string {
	if status == 429 {
		return scholar.ReasonHTTP429
	}
	if status == 403 && containsAny(body, challengeMarkers) {
		return scholar.ReasonHTTP403
	}
	if containsAny(finalURL, signInFragments) {
		return scholar.ReasonSignInWall
	}
	if containsAny(body, blockPhrases) {
		return scholar.ReasonBlockPhrase
	}
	return ""
}

// layoutViolation checks the DOM invariants that convert silent markup drift
// into a loud layout_changed verdict.
func layoutViolation(p scholar.ParsedPage) string {
	if p.HasMore && p.RangeHigh == 0 {
		return scholar.ReasonNoRangeMarker
	}
	if p.Markers[MarkerRowContainer] > 0 && p.Markers[MarkerTitleAnchor] == 0 {
		return scholar.ReasonNoTitleAnchor
	}
	if len(p.Candidates) == 0 &&
		p.Markers[MarkerProfileHeader] == 0 && p.Markers[MarkerResultsTable] == 0 {
		return scholar.ReasonNoMarkers
	}
	for _, c := range p.Candidates {
		if strings.TrimSpace(c.Title) == "" {
			return scholar.ReasonEmptyTitle
		}
		if c.CitationCount < 0 {
			return scholar.ReasonNegativeCites
		}
	}
	return ""
}

// ClassifyNetworkError maps a transport error message onto a network reason
// subclass.
func ClassifyNetworkError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return scholar.ReasonDNS
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return scholar.ReasonTimeout
	case strings.Contains(msg, "tls"), strings.Contains(msg, "x509"), strings.Contains(msg, "certificate"):
		return scholar.ReasonTLS
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return scholar.ReasonReset
	case strings.Contains(msg, "connection refused"):
		return scholar.ReasonRefused
	case strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "no route to host"):
		return scholar.ReasonUnreachable
	default:
		return scholar.ReasonUnknownNet
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
