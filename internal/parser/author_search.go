package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// AuthorCandidate is one row from an author-search results page.
type AuthorCandidate struct {
	ExternalID  string `json:"external_id"`
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
	CitedBy     string `json:"cited_by,omitempty"`
}

const (
	selAuthorRow    = "div.gsc_1usr"
	selAuthorName   = "h3.gs_ai_name a"
	selAuthorAffil  = "div.gs_ai_aff"
	selAuthorCited  = "div.gs_ai_cby"
	selAuthorSearch = "#gsc_sa_ccl"
)

// ParseAuthorSearch extracts author candidates from a search results page.
func ParseAuthorSearch(body []byte) ([]AuthorCandidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse author search html: %w", err)
	}
	var out []AuthorCandidate
	doc.Find(selAuthorRow).Each(func(_ int, row *goquery.Selection) {
		anchor := row.Find(selAuthorName).First()
		c := AuthorCandidate{
			Name:        strings.TrimSpace(anchor.Text()),
			Affiliation: strings.TrimSpace(row.Find(selAuthorAffil).First().Text()),
			CitedBy:     strings.TrimSpace(row.Find(selAuthorCited).First().Text()),
		}
		if href, ok := anchor.Attr("href"); ok {
			c.ExternalID = userIDFromHref(href)
		}
		if c.Name != "" && c.ExternalID != "" {
			out = append(out, c)
		}
	})
	return out, nil
}

func userIDFromHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return u.Query().Get("user")
}
