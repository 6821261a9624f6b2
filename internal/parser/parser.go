// Package parser turns raw fetched profile pages into structured row
// candidates plus the structural marker counts consumed by the classifier.
package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/scholarwatch/scholarwatch/internal/scholar"
)

// Structural marker keys tracked for drift detection.
const (
	MarkerRowContainer  = "row_container"
	MarkerTitleAnchor   = "title_anchor"
	MarkerProfileHeader = "profile_header"
	MarkerResultsTable  = "results_table"
	MarkerLoadMore      = "load_more"
	MarkerRangeText     = "range_text"
)

// Selectors for the profile listing markup. Kept in one place so a provider
// markup change is a one-line fix once the classifier has flagged it.
const (
	selRowContainer  = "tr.gsc_a_tr"
	selTitleAnchor   = "a.gsc_a_at"
	selProfileHeader = "#gsc_prf_in"
	selResultsTable  = "#gsc_a_t"
	selLoadMore      = "#gsc_bpf_more"
	selRangeText     = "#gsc_a_nn"
	selGrayLine      = "div.gs_gray"
	selYearCell      = "td.gsc_a_y span"
	selCiteCell      = "td.gsc_a_c a"
)

var rangeExpr = regexp.MustCompile(`(\d+)\s*[\x{2013}\x{2014}-]\s*(\d+)`)

// ParseProfilePage extracts row candidates and marker counts from a profile
// listing page. Extraction never fails on structural problems; those surface
// later through the classifier's invariants.
func ParseProfilePage(body []byte) (scholar.ParsedPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return scholar.ParsedPage{}, fmt.Errorf("parse profile html: %w", err)
	}

	page := scholar.ParsedPage{Markers: map[string]int{}}
	page.Markers[MarkerRowContainer] = doc.Find(selRowContainer).Length()
	page.Markers[MarkerTitleAnchor] = doc.Find(selTitleAnchor).Length()
	page.Markers[MarkerProfileHeader] = doc.Find(selProfileHeader).Length()
	page.Markers[MarkerResultsTable] = doc.Find(selResultsTable).Length()

	loadMore := doc.Find(selLoadMore)
	page.Markers[MarkerLoadMore] = loadMore.Length()
	if loadMore.Length() > 0 {
		_, disabled := loadMore.Attr("disabled")
		page.HasMore = !disabled
	}

	if rangeText := strings.TrimSpace(doc.Find(selRangeText).Text()); rangeText != "" {
		page.Markers[MarkerRangeText] = 1
		if m := rangeExpr.FindStringSubmatch(rangeText); m != nil {
			high, convErr := strconv.Atoi(m[2])
			if convErr == nil {
				page.RangeHigh = high
			}
		}
	}

	doc.Find(selRowContainer).Each(func(i int, row *goquery.Selection) {
		page.Candidates = append(page.Candidates, extractRow(i, row))
	})

	page.Fingerprint = pageFingerprint(page.Candidates)
	return page, nil
}

func extractRow(order int, row *goquery.Selection) scholar.RowCandidate {
	c := scholar.RowCandidate{PageOrder: order, Year: 0, CitationCount: 0}

	anchor := row.Find(selTitleAnchor).First()
	c.Title = strings.TrimSpace(anchor.Text())
	if href, ok := anchor.Attr("href"); ok {
		c.DetailURL = href
		c.ClusterID = clusterIDFromHref(href)
	}

	gray := row.Find(selGrayLine)
	if gray.Length() > 0 {
		c.AuthorText = strings.TrimSpace(gray.Eq(0).Text())
	}
	if gray.Length() > 1 {
		c.VenueText = strings.TrimSpace(gray.Eq(1).Text())
	}

	if yearText := strings.TrimSpace(row.Find(selYearCell).First().Text()); yearText != "" {
		if y, err := strconv.Atoi(yearText); err == nil {
			c.Year = y
		}
	}
	citeText := strings.TrimSpace(row.Find(selCiteCell).First().Text())
	if citeText != "" && citeText != "*" {
		if n, err := strconv.Atoi(citeText); err == nil {
			c.CitationCount = n
		}
	}
	return c
}

// clusterIDFromHref pulls the provider-assigned citation cluster id out of
// the detail link ("...citation_for_view=USER:CLUSTER").
func clusterIDFromHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	v := u.Query().Get("citation_for_view")
	if v == "" {
		return ""
	}
	if i := strings.IndexByte(v, ':'); i >= 0 && i+1 < len(v) {
		return v[i+1:]
	}
	return v
}

// pageFingerprint hashes the extracted row signature so an unchanged first
// page can short-circuit a full re-crawl. Citation counts are part of the
// signature: a count bump is a content change worth re-walking.
func pageFingerprint(rows []scholar.RowCandidate) string {
	h := sha256.New()
	for _, r := range rows {
		fmt.Fprintf(h, "%s|%s|%d|%d\n", r.Title, r.ClusterID, r.Year, r.CitationCount)
	}
	return hex.EncodeToString(h.Sum(nil))
}
