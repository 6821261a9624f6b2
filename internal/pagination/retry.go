// Package pagination drives the per-profile paginated crawl: a bounded retry
// executor around single page fetches, and the engine that walks successive
// pages while tracking a resumable cursor.
package pagination

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/metrics"
	"github.com/scholarwatch/scholarwatch/internal/parser"
	"github.com/scholarwatch/scholarwatch/internal/scholar"
)

// ExecutorConfig bounds the retry loop. Network errors and rate limits keep
// independent counters because each has a different backoff shape.
type ExecutorConfig struct {
	MaxNetworkAttempts   int
	MaxRateLimitAttempts int
	// NetworkBackoffBase grows exponentially per network attempt.
	NetworkBackoffBase time.Duration
	// RateLimitBackoffBase grows linearly with the attempt count.
	RateLimitBackoffBase time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.MaxNetworkAttempts <= 0 {
		c.MaxNetworkAttempts = 3
	}
	if c.MaxRateLimitAttempts <= 0 {
		c.MaxRateLimitAttempts = 2
	}
	if c.NetworkBackoffBase <= 0 {
		c.NetworkBackoffBase = 2 * time.Second
	}
	if c.RateLimitBackoffBase <= 0 {
		c.RateLimitBackoffBase = 30 * time.Second
	}
	return c
}

// Executor wraps one (fetch, parse, classify) cycle in a bounded retry loop.
type Executor struct {
	source scholar.FetchSource
	clock  scholar.Clock
	cfg    ExecutorConfig
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewExecutor constructs an Executor.
func NewExecutor(source scholar.FetchSource, clock scholar.Clock, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		source: source,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

// FetchPage fetches and classifies one profile page, retrying network errors
// with exponential backoff and HTTP-429 responses with linear backoff. Any
// other failure class, or success, terminates the loop immediately. Every
// attempt appends a structured log entry.
func (e *Executor) FetchPage(
	ctx context.Context,
	profileExternalID string,
	cursor, pageSize int,
) (scholar.ClassifiedPage, []scholar.AttemptLog, error) {
	var (
		attempts   []scholar.AttemptLog
		netTries   int
		limitTries int
	)
	for attempt := 1; ; attempt++ {
		classified, fetch := e.fetchOnce(ctx, profileExternalID, cursor, pageSize)
		attempts = append(attempts, e.logEntry(attempt, cursor, classified, fetch))
		metrics.ObservePageFetched(string(classified.State))

		switch {
		case classified.State == scholar.PageNetworkError && netTries < e.cfg.MaxNetworkAttempts-1:
			netTries++
			delay := e.cfg.NetworkBackoffBase << (netTries - 1)
			e.logger.Warn("page fetch network error, backing off",
				zap.String("profile", profileExternalID),
				zap.Int("cursor", cursor),
				zap.Int("attempt", attempt),
				zap.String("reason", classified.Reason),
				zap.Duration("delay", delay),
			)
			if err := e.sleep(ctx, delay); err != nil {
				return classified, attempts, err
			}
		case classified.Reason == scholar.ReasonHTTP429 && limitTries < e.cfg.MaxRateLimitAttempts-1:
			limitTries++
			delay := time.Duration(limitTries+1) * e.cfg.RateLimitBackoffBase
			e.logger.Warn("page fetch rate limited, backing off",
				zap.String("profile", profileExternalID),
				zap.Int("cursor", cursor),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if err := e.sleep(ctx, delay); err != nil {
				return classified, attempts, err
			}
		default:
			return classified, attempts, nil
		}
	}
}

func (e *Executor) fetchOnce(
	ctx context.Context,
	externalID string,
	cursor, pageSize int,
) (scholar.ClassifiedPage, scholar.FetchResult) {
	fetch := e.source.FetchProfilePage(ctx, externalID, cursor, pageSize)
	if fetch.Err != nil {
		return parser.Classify(fetch, scholar.ParsedPage{Markers: map[string]int{}}), fetch
	}
	parsed, err := parser.ParseProfilePage(fetch.Body)
	if err != nil {
		// A body the HTML tokenizer cannot read at all is structural drift.
		return scholar.ClassifiedPage{
			State:  scholar.PageLayoutChanged,
			Reason: scholar.ReasonNoMarkers,
			Parsed: scholar.ParsedPage{Markers: map[string]int{}},
		}, fetch
	}
	return parser.Classify(fetch, parsed), fetch
}

func (e *Executor) logEntry(attempt, cursor int, c scholar.ClassifiedPage, fetch scholar.FetchResult) scholar.AttemptLog {
	entry := scholar.AttemptLog{
		Attempt:    attempt,
		Cursor:     cursor,
		State:      c.State,
		Reason:     c.Reason,
		StatusCode: fetch.StatusCode,
		At:         e.clock.Now(),
	}
	if fetch.Err != nil {
		entry.Error = fetch.Err.Error()
	}
	return entry
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
