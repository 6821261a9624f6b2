// Package crossref is a minimal Crossref bibliographic-query client used to
// discover DOIs for publications that arrived without one.
package crossref

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "https://api.crossref.org"

// ErrRateLimited marks an HTTP 429 from Crossref.
var ErrRateLimited = errors.New("crossref: rate limited")

// Client queries the Crossref works endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	// mailto identifies the caller for the polite pool.
	mailto string
}

// NewClient constructs a Client.
func NewClient(mailto string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		baseURL:    defaultBaseURL,
		mailto:     mailto,
	}
}

// NewClientWithBase overrides the API base URL (tests).
func NewClientWithBase(baseURL, mailto string) *Client {
	c := NewClient(mailto)
	c.baseURL = baseURL
	return c
}

// Work is the subset of a Crossref work the resolver reads.
type Work struct {
	DOI    string   `json:"DOI"`
	Title  []string `json:"title"`
	Score  float64  `json:"score"`
	Issued struct {
		DateParts [][]int `json:"date-parts"`
	} `json:"issued"`
	Author []struct {
		Given  string `json:"given"`
		Family string `json:"family"`
	} `json:"author"`
}

type worksResponse struct {
	Message struct {
		Items []Work `json:"items"`
	} `json:"message"`
}

// Query describes a bibliographic search.
type Query struct {
	Bibliographic string
	Author        string
	// FromYear and UntilYear bound the issued date range when non-zero.
	FromYear  int
	UntilYear int
	Rows      int
}

// Search runs the bibliographic query and returns candidate works ranked by
// Crossref relevance score.
func (c *Client) Search(ctx context.Context, q Query) ([]Work, error) {
	if q.Rows <= 0 || q.Rows > 20 {
		q.Rows = 5
	}
	params := url.Values{}
	params.Set("query.bibliographic", q.Bibliographic)
	if q.Author != "" {
		params.Set("query.author", q.Author)
	}
	filters := ""
	if q.FromYear > 0 {
		filters = fmt.Sprintf("from-pub-date:%d-01-01", q.FromYear)
	}
	if q.UntilYear > 0 {
		if filters != "" {
			filters += ","
		}
		filters += fmt.Sprintf("until-pub-date:%d-12-31", q.UntilYear)
	}
	if filters != "" {
		params.Set("filter", filters)
	}
	params.Set("rows", fmt.Sprintf("%d", q.Rows))
	if c.mailto != "" {
		params.Set("mailto", c.mailto)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/works?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("crossref: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crossref: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crossref: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("crossref: read response: %w", err)
	}
	var parsed worksResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("crossref: decode response: %w", err)
	}
	return parsed.Message.Items, nil
}

// Year returns the work's issued year, zero when unknown.
func (w Work) Year() int {
	if len(w.Issued.DateParts) > 0 && len(w.Issued.DateParts[0]) > 0 {
		return w.Issued.DateParts[0][0]
	}
	return 0
}
