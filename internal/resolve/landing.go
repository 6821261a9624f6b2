package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// LandingConfig bounds the landing-page crawl.
type LandingConfig struct {
	// MaxDepth is how many link hops to follow from the starting page.
	MaxDepth int
	// MaxLinksPerPage caps how many candidate links are followed per page.
	MaxLinksPerPage int
	Timeout         time.Duration
}

func (c LandingConfig) withDefaults() LandingConfig {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 2
	}
	if c.MaxLinksPerPage <= 0 {
		c.MaxLinksPerPage = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// LandingCrawler probes a publication's landing page for a direct PDF link
// when the metadata providers return only an HTML location.
type LandingCrawler struct {
	httpClient *http.Client
	cfg        LandingConfig
}

// NewLandingCrawler constructs a crawler.
func NewLandingCrawler(cfg LandingConfig) *LandingCrawler {
	cfg = cfg.withDefaults()
	return &LandingCrawler{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
	}
}

// NewLandingCrawlerWithClient injects the HTTP client (tests).
func NewLandingCrawlerWithClient(cfg LandingConfig, hc *http.Client) *LandingCrawler {
	lc := NewLandingCrawler(cfg)
	lc.httpClient = hc
	return lc
}

// pdfHints are anchor text/URL fragments that suggest a PDF download.
var pdfHints = []string{"pdf", "download", "full text", "full-text", "fulltext"}

// FindPdf fetches the page and returns the first PDF URL it can locate,
// following candidate links up to the configured depth. An empty result with
// a nil error means the crawl completed without finding one.
func (lc *LandingCrawler) FindPdf(ctx context.Context, pageURL string) (string, error) {
	visited := make(map[string]bool)
	return lc.probe(ctx, pageURL, lc.cfg.MaxDepth, visited)
}

func (lc *LandingCrawler) probe(ctx context.Context, pageURL string, depth int, visited map[string]bool) (string, error) {
	if depth < 0 || visited[pageURL] {
		return "", nil
	}
	visited[pageURL] = true

	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("landing: bad url %q: %w", pageURL, err)
	}
	doc, err := lc.fetchDoc(ctx, pageURL)
	if errors.Is(err, errSelfPdf) {
		return pageURL, nil
	}
	if err != nil {
		return "", err
	}

	// The metadata tag is authoritative when present.
	if meta, ok := doc.Find(`meta[name="citation_pdf_url"]`).Attr("content"); ok && meta != "" {
		return absolutize(base, meta), nil
	}
	if href, ok := doc.Find(`link[type="application/pdf"]`).Attr("href"); ok && href != "" {
		return absolutize(base, href), nil
	}

	var candidates []string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return true
		}
		abs := absolutize(base, href)
		if abs == "" || visited[abs] {
			return true
		}
		text := strings.ToLower(strings.TrimSpace(s.Text()))
		lower := strings.ToLower(abs)
		if strings.HasSuffix(lowerPath(lower), ".pdf") {
			candidates = append([]string{abs}, candidates...)
			return true
		}
		for _, hint := range pdfHints {
			if strings.Contains(text, hint) || strings.Contains(lower, hint) {
				candidates = append(candidates, abs)
				break
			}
		}
		return len(candidates) < lc.cfg.MaxLinksPerPage*2
	})

	followed := 0
	for _, cand := range candidates {
		if followed >= lc.cfg.MaxLinksPerPage {
			break
		}
		if strings.HasSuffix(lowerPath(strings.ToLower(cand)), ".pdf") {
			return cand, nil
		}
		followed++
		found, err := lc.probe(ctx, cand, depth-1, visited)
		if err != nil {
			continue
		}
		if found != "" {
			return found, nil
		}
	}
	return "", nil
}

func (lc *LandingCrawler) fetchDoc(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("landing: build request: %w", err)
	}
	resp, err := lc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("landing: fetch %q: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("landing: status %d for %q", resp.StatusCode, pageURL)
	}
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "application/pdf") {
		// The landing URL itself is the PDF; the caller sees it via the
		// sentinel below.
		return nil, errSelfPdf
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("landing: parse %q: %w", pageURL, err)
	}
	return doc, nil
}

var errSelfPdf = errors.New("landing: url is itself a pdf")

func absolutize(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

func lowerPath(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return strings.ToLower(u.Path)
	}
	return rawURL
}
