// Package arxiv queries the arXiv Atom API for title/author matches.
package arxiv

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "http://export.arxiv.org/api/query"

// ErrRateLimited marks an HTTP 429 from the arXiv API. Callers disable
// further arXiv lookups for the rest of the batch when they see it.
var ErrRateLimited = errors.New("arxiv: rate limited")

// Client queries the arXiv Atom feed.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient constructs a Client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
	}
}

// NewClientWithBase overrides the API base URL (tests).
func NewClientWithBase(baseURL string) *Client {
	c := NewClient()
	c.baseURL = baseURL
	return c
}

// Feed is the arXiv Atom response envelope.
type Feed struct {
	XMLName      xml.Name `xml:"feed"`
	TotalResults int      `xml:"totalResults"`
	Entries      []Entry  `xml:"entry"`
}

// Entry is one arXiv result.
type Entry struct {
	ID        string   `xml:"id"`
	Title     string   `xml:"title"`
	Published string   `xml:"published"`
	Authors   []Author `xml:"author"`
	Links     []Link   `xml:"link"`
}

// Author is one entry author.
type Author struct {
	Name string `xml:"name"`
}

// Link is one entry link.
type Link struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

// SearchTitleAuthor queries by title phrase, optionally scoped by author.
func (c *Client) SearchTitleAuthor(ctx context.Context, title, author string, maxResults int) ([]Entry, error) {
	if maxResults <= 0 || maxResults > 20 {
		maxResults = 5
	}
	query := fmt.Sprintf(`ti:%q`, title)
	if author != "" {
		query += fmt.Sprintf(` AND au:%q`, author)
	}
	params := url.Values{}
	params.Set("search_query", query)
	params.Set("start", "0")
	params.Set("max_results", fmt.Sprintf("%d", maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("arxiv: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("arxiv: read response: %w", err)
	}
	var feed Feed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("arxiv: decode feed: %w", err)
	}
	return feed.Entries, nil
}

// PdfURL returns the entry's PDF link, empty when absent.
func (e Entry) PdfURL() string {
	for _, l := range e.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			return l.Href
		}
	}
	return ""
}

// ArxivID extracts the bare identifier ("2301.01234") from the entry id URL.
func (e Entry) ArxivID() string {
	id := e.ID
	if i := strings.LastIndex(id, "/abs/"); i >= 0 {
		id = id[i+len("/abs/"):]
	}
	return strings.TrimSpace(id)
}
