// Package scholar defines core types shared across the ingestion subsystems.
package scholar

import (
	"time"
)

// PageState classifies the outcome of one profile-page fetch+parse cycle.
type PageState string

// Page states produced by the classifier.
const (
	PageOK            PageState = "ok"
	PageNoResults     PageState = "no_results"
	PageBlocked       PageState = "blocked_or_captcha"
	PageLayoutChanged PageState = "layout_changed"
	PageNetworkError  PageState = "network_error"
)

// Reason codes attached to non-ok page states. Network reasons carry the
// transport failure subclass; blocked reasons carry the detection signal.
const (
	ReasonDNS           = "network_error/dns"
	ReasonTimeout       = "network_error/timeout"
	ReasonTLS           = "network_error/tls"
	ReasonReset         = "network_error/reset"
	ReasonRefused       = "network_error/refused"
	ReasonUnreachable   = "network_error/unreachable"
	ReasonUnknownNet    = "network_error/unknown"
	ReasonHTTP429       = "blocked_or_captcha/http_429"
	ReasonHTTP403       = "blocked_or_captcha/http_403_challenge"
	ReasonSignInWall    = "blocked_or_captcha/sign_in_redirect"
	ReasonBlockPhrase   = "blocked_or_captcha/block_phrase"
	ReasonNoRangeMarker = "layout_changed/load_more_without_range"
	ReasonNoTitleAnchor = "layout_changed/rows_without_title_anchor"
	ReasonNoMarkers     = "layout_changed/profile_markers_absent"
	ReasonEmptyTitle    = "layout_changed/empty_title"
	ReasonNegativeCites = "layout_changed/negative_citation_count"
)

// FetchResult is the raw outcome of one page fetch, before classification.
// Err is non-nil only for transport-level failures; HTTP error statuses are
// reported through StatusCode with Err nil.
type FetchResult struct {
	StatusCode int
	FinalURL   string
	Body       []byte
	Err        error
}

// RowCandidate is one publication row extracted from a profile page. All
// fields except Title are optional; the classifier rejects empty titles.
type RowCandidate struct {
	Title         string
	DetailURL     string
	ClusterID     string
	Year          int
	CitationCount int
	AuthorText    string
	VenueText     string
	PageOrder     int
}

// ParsedPage is the structural extraction result for one fetched page. It is
// produced independently of whether the page is ultimately usable; the
// classifier consumes Markers to detect layout drift.
type ParsedPage struct {
	Candidates []RowCandidate
	// Markers counts structural marker occurrences (row containers, title
	// anchors, profile header, results table, load-more control, range text).
	Markers map[string]int
	// RangeHigh is the upper bound parsed from the "1-N of M" range marker,
	// zero when absent.
	RangeHigh int
	// HasMore reports whether a load-more control is present.
	HasMore bool
	// Fingerprint is a stable hash over the extracted row signature, used
	// for the unchanged-first-page short circuit.
	Fingerprint string
}

// ClassifiedPage couples a parse result with its usability verdict.
type ClassifiedPage struct {
	State  PageState
	Reason string
	Parsed ParsedPage
}

// Usable reports whether the page's candidates may be ingested.
func (c ClassifiedPage) Usable() bool {
	return c.State == PageOK || c.State == PageNoResults
}

// AttemptLog records one fetch attempt inside the retry executor. Every
// attempt, successful or not, appends one entry for run diagnostics.
type AttemptLog struct {
	Attempt    int       `json:"attempt"`
	Cursor     int       `json:"cursor"`
	State      PageState `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// ProfileResult aggregates one profile's crawl outcome inside a run.
type ProfileResult string

// Per-profile outcomes.
const (
	ProfileSuccess ProfileResult = "success"
	ProfilePartial ProfileResult = "partial"
	ProfileFailed  ProfileResult = "failed"
)

// Truncation reasons recorded when pagination stops early.
const (
	TruncMaxPages      = "max_pages_reached"
	TruncCursorStalled = "pagination_cursor_stalled"
	TruncNetworkError  = "network_error_retries_exhausted"
)

// ProfileOutcome is the full per-profile record stored in the run log.
type ProfileOutcome struct {
	ProfileID        string        `json:"profile_id"`
	Result           ProfileResult `json:"result"`
	State            PageState     `json:"state,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	PagesFetched     int           `json:"pages_fetched"`
	Extracted        int           `json:"extracted"`
	NewPublications  int           `json:"new_publications"`
	TruncationReason string        `json:"truncation_reason,omitempty"`
	// ContinuationCursor is the resumable offset when the crawl was
	// truncated; nil means no continuation is needed.
	ContinuationCursor *int         `json:"continuation_cursor,omitempty"`
	Unchanged          bool         `json:"unchanged,omitempty"`
	Attempts           []AttemptLog `json:"attempts,omitempty"`
}

// FailureSummary buckets per-profile failures for the aggregated run log.
type FailureSummary struct {
	Blocked       int  `json:"blocked"`
	Network       int  `json:"network"`
	LayoutChanged int  `json:"layout_changed"`
	Other         int  `json:"other"`
	Retries       int  `json:"retries"`
	AlertRaised   bool `json:"alert_raised,omitempty"`
}
