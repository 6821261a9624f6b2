// Package openalex is a minimal OpenAlex works-search client used by the PDF
// resolution cascade.
package openalex

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

const defaultBaseURL = "https://api.openalex.org"

// ErrRateLimited marks an ordinary HTTP 429 from OpenAlex.
var ErrRateLimited = errors.New("openalex: rate limited")

// ErrBudgetExhausted marks the daily-quota refusal. Unlike ErrRateLimited it
// aborts the remaining resolution batch outright.
var ErrBudgetExhausted = errors.New("openalex: request budget exhausted")

// Client queries the OpenAlex works endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	// email opts into the polite pool for faster responses.
	email string
}

// NewClient constructs a Client; email is optional but recommended.
func NewClient(email string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		baseURL:    defaultBaseURL,
		email:      email,
	}
}

// NewClientWithBase overrides the API base URL (tests).
func NewClientWithBase(baseURL, email string) *Client {
	c := NewClient(email)
	c.baseURL = baseURL
	return c
}

// Work is the subset of an OpenAlex work the resolver reads.
type Work struct {
	ID              string         `json:"id"`
	DOI             string         `json:"doi"`
	Title           string         `json:"title"`
	DisplayName     string         `json:"display_name"`
	PublicationYear int            `json:"publication_year"`
	CitedByCount    int            `json:"cited_by_count"`
	IDs             map[string]any `json:"ids"`
	OpenAccess      *OpenAccess    `json:"open_access"`
	PrimaryLocation *Location      `json:"primary_location"`
	BestOALocation  *Location      `json:"best_oa_location"`
}

// OpenAccess carries the OA flags for a work.
type OpenAccess struct {
	IsOA     bool   `json:"is_oa"`
	OAStatus string `json:"oa_status"`
	OAURL    string `json:"oa_url"`
}

// Location is one hosted copy of a work.
type Location struct {
	IsOA           bool   `json:"is_oa"`
	LandingPageURL string `json:"landing_page_url"`
	PDFURL         string `json:"pdf_url"`
}

type searchResponse struct {
	Meta struct {
		Count int `json:"count"`
	} `json:"meta"`
	Results []Work `json:"results"`
}

// SearchByTitle runs a filtered title search and returns the best-matching
// works, most relevant first.
func (c *Client) SearchByTitle(ctx context.Context, title string, limit int) ([]Work, error) {
	if limit <= 0 || limit > 25 {
		limit = 5
	}
	params := url.Values{}
	params.Set("filter", "title.search:"+title)
	params.Set("per_page", fmt.Sprintf("%d", limit))
	if c.email != "" {
		params.Set("mailto", c.email)
	}
	reqURL := fmt.Sprintf("%s/works?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("openalex: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openalex: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusForbidden:
		return nil, ErrBudgetExhausted
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("openalex: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("openalex: read response: %w", err)
	}
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("openalex: decode response: %w", err)
	}
	return parsed.Results, nil
}

// PdfURL extracts the best directly-typed PDF link from a work, empty when
// the metadata carries none.
func (w Work) PdfURL() string {
	if w.BestOALocation != nil && w.BestOALocation.PDFURL != "" {
		return w.BestOALocation.PDFURL
	}
	if w.PrimaryLocation != nil && w.PrimaryLocation.PDFURL != "" {
		return w.PrimaryLocation.PDFURL
	}
	if w.OpenAccess != nil && w.OpenAccess.IsOA && w.OpenAccess.OAURL != "" {
		return w.OpenAccess.OAURL
	}
	return ""
}
