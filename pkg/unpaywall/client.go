// Package unpaywall looks up open-access locations for a DOI.
package unpaywall

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

const defaultBaseURL = "https://api.unpaywall.org/v2"

var (
	// ErrRateLimited marks an HTTP 429 from Unpaywall.
	ErrRateLimited = errors.New("unpaywall: rate limited")
	// ErrNotFound marks a DOI Unpaywall does not know about.
	ErrNotFound = errors.New("unpaywall: doi not found")
)

// Client queries the Unpaywall DOI endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	email      string
}

// NewClient constructs a Client. The email is required by the API.
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

// OALocation is one open-access copy of a work.
type OALocation struct {
	URLForPDF string `json:"url_for_pdf"`
	URL       string `json:"url"`
	Version   string `json:"version"`
	HostType  string `json:"host_type"`
}

// Record is the Unpaywall response for a DOI.
type Record struct {
	DOI            string       `json:"doi"`
	IsOA           bool         `json:"is_oa"`
	BestOALocation *OALocation  `json:"best_oa_location"`
	OALocations    []OALocation `json:"oa_locations"`
}

// PdfURL returns the best available PDF URL, empty when none.
func (r Record) PdfURL() string {
	if r.BestOALocation != nil {
		if r.BestOALocation.URLForPDF != "" {
			return r.BestOALocation.URLForPDF
		}
		if r.BestOALocation.URL != "" {
			return r.BestOALocation.URL
		}
	}
	for _, loc := range r.OALocations {
		if loc.URLForPDF != "" {
			return loc.URLForPDF
		}
	}
	return ""
}

// Lookup fetches the open-access record for a DOI.
func (c *Client) Lookup(ctx context.Context, doi string) (*Record, error) {
	u := fmt.Sprintf("%s/%s?email=%s", c.baseURL, url.PathEscape(doi), url.QueryEscape(c.email))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("unpaywall: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unpaywall: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("unpaywall: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("unpaywall: read response: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("unpaywall: decode response: %w", err)
	}
	return &rec, nil
}
