// Package collyfetcher implements scholar.FetchSource using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/scholarwatch/scholarwatch/internal/scholar"
)

const defaultBaseURL = "https://scholar.google.com"

// Config controls collector behavior.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// Delay and RandomDelay space successive requests to the source site.
	Delay       time.Duration
	RandomDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
	}
	return c
}

// Fetcher fetches profile and author-search pages through a Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	cfg = cfg.withDefaults()

	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = cfg.UserAgent
	c.IgnoreRobotsTxt = false
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())

	if cfg.Delay > 0 || cfg.RandomDelay > 0 {
		err := c.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Delay:       cfg.Delay,
			RandomDelay: cfg.RandomDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("configure rate limit: %w", err)
		}
	}

	return &Fetcher{cfg: cfg, baseCollector: c}, nil
}

// FetchProfilePage fetches one page of a profile's publication table.
func (f *Fetcher) FetchProfilePage(ctx context.Context, externalID string, cursor, pageSize int) scholar.FetchResult {
	params := url.Values{}
	params.Set("user", externalID)
	params.Set("hl", "en")
	params.Set("cstart", strconv.Itoa(cursor))
	params.Set("pagesize", strconv.Itoa(pageSize))
	return f.fetch(ctx, f.cfg.BaseURL+"/citations?"+params.Encode())
}

// FetchAuthorSearch fetches one page of author search results.
func (f *Fetcher) FetchAuthorSearch(ctx context.Context, query string, start int) scholar.FetchResult {
	params := url.Values{}
	params.Set("view_op", "search_authors")
	params.Set("mauthors", query)
	params.Set("hl", "en")
	if start > 0 {
		params.Set("astart", strconv.Itoa(start))
	}
	return f.fetch(ctx, f.cfg.BaseURL+"/citations?"+params.Encode())
}

// fetch runs one GET. Transport failures and non-2xx statuses are reported
// inside the FetchResult so the classifier can bucket them; the collector
// itself never aborts the caller.
func (f *Fetcher) fetch(ctx context.Context, pageURL string) scholar.FetchResult {
	var result scholar.FetchResult

	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.SetRequestTimeout(f.cfg.Timeout)

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", "en")
	})
	collector.OnResponse(func(r *colly.Response) {
		result = scholar.FetchResult{
			StatusCode: r.StatusCode,
			FinalURL:   r.Request.URL.String(),
			Body:       append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		// Colly routes every non-2xx status here too. Err stays nil for
		// those so classification can read the status and body; only a
		// response-less failure is a transport error.
		if r == nil || r.StatusCode == 0 {
			result = scholar.FetchResult{Err: err}
			return
		}
		result = scholar.FetchResult{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
		if r.Request != nil && r.Request.URL != nil {
			result.FinalURL = r.Request.URL.String()
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return scholar.FetchResult{Err: fmt.Errorf("fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if err != nil && result.StatusCode == 0 && result.Err == nil {
			result.Err = err
		}
		return result
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
