package pagination

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/scholar"
)

// sequenceSource replays a fixed list of fetch results regardless of cursor.
type sequenceSource struct {
	mu      sync.Mutex
	results []scholar.FetchResult
	calls   int
}

func (s *sequenceSource) FetchProfilePage(context.Context, string, int, int) scholar.FetchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i]
}

func (s *sequenceSource) FetchAuthorSearch(context.Context, string, int) scholar.FetchResult {
	return scholar.FetchResult{StatusCode: 404}
}

func newTestExecutor(source scholar.FetchSource, cfg ExecutorConfig) (*Executor, *[]time.Duration) {
	exec := NewExecutor(source, fixedClock{at: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}, cfg, zap.NewNop())
	delays := &[]time.Duration{}
	exec.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return exec, delays
}

func TestFetchPageSucceedsFirstTry(t *testing.T) {
	t.Parallel()
	source := &sequenceSource{results: []scholar.FetchResult{
		ok(listingPage(false, 0, [2]string{"Paper one", "c1"})),
	}}
	exec, delays := newTestExecutor(source, ExecutorConfig{})

	page, attempts, err := exec.FetchPage(context.Background(), "u1", 0, 20)
	require.NoError(t, err)
	assert.Equal(t, scholar.PageOK, page.State)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Equal(t, 200, attempts[0].StatusCode)
	assert.Empty(t, *delays)
}

func TestFetchPageNetworkBackoffIsExponential(t *testing.T) {
	t.Parallel()
	source := &sequenceSource{results: []scholar.FetchResult{
		{Err: fmt.Errorf("dial tcp: connection refused")},
	}}
	exec, delays := newTestExecutor(source, ExecutorConfig{
		MaxNetworkAttempts: 3,
		NetworkBackoffBase: time.Second,
	})

	page, attempts, err := exec.FetchPage(context.Background(), "u1", 0, 20)
	require.NoError(t, err)
	assert.Equal(t, scholar.PageNetworkError, page.State)
	assert.Equal(t, scholar.ReasonRefused, page.Reason)
	assert.Len(t, attempts, 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
	for _, a := range attempts {
		assert.Equal(t, "dial tcp: connection refused", a.Error)
	}
}

func TestFetchPageRateLimitBackoffIsLinear(t *testing.T) {
	t.Parallel()
	source := &sequenceSource{results: []scholar.FetchResult{
		{StatusCode: 429, Body: []byte("rate limited")},
	}}
	exec, delays := newTestExecutor(source, ExecutorConfig{
		MaxRateLimitAttempts: 3,
		RateLimitBackoffBase: 10 * time.Second,
	})

	page, attempts, err := exec.FetchPage(context.Background(), "u1", 40, 20)
	require.NoError(t, err)
	assert.Equal(t, scholar.PageBlocked, page.State)
	assert.Equal(t, scholar.ReasonHTTP429, page.Reason)
	assert.Len(t, attempts, 3)
	assert.Equal(t, []time.Duration{20 * time.Second, 30 * time.Second}, *delays)
	assert.Equal(t, 40, attempts[0].Cursor)
}

func TestFetchPageRecoversAfterTransientNetworkError(t *testing.T) {
	t.Parallel()
	source := &sequenceSource{results: []scholar.FetchResult{
		{Err: fmt.Errorf("context deadline exceeded")},
		ok(listingPage(false, 0, [2]string{"Paper one", "c1"})),
	}}
	exec, _ := newTestExecutor(source, ExecutorConfig{MaxNetworkAttempts: 3})

	page, attempts, err := exec.FetchPage(context.Background(), "u1", 0, 20)
	require.NoError(t, err)
	assert.Equal(t, scholar.PageOK, page.State)
	require.Len(t, attempts, 2)
	assert.Equal(t, scholar.PageNetworkError, attempts[0].State)
	assert.Equal(t, scholar.ReasonTimeout, attempts[0].Reason)
	assert.Equal(t, scholar.PageOK, attempts[1].State)
}

func TestFetchPageDoesNotRetryHardBlocks(t *testing.T) {
	t.Parallel()
	source := &sequenceSource{results: []scholar.FetchResult{
		{StatusCode: 403, Body: []byte(`<div class="g-recaptcha"></div>`)},
	}}
	exec, delays := newTestExecutor(source, ExecutorConfig{})

	page, attempts, err := exec.FetchPage(context.Background(), "u1", 0, 20)
	require.NoError(t, err)
	assert.Equal(t, scholar.PageBlocked, page.State)
	assert.Equal(t, scholar.ReasonHTTP403, page.Reason)
	assert.Len(t, attempts, 1)
	assert.Empty(t, *delays)
}

func TestFetchPageUnreadableBodyIsLayoutDrift(t *testing.T) {
	t.Parallel()
	// goquery parses almost anything, so an empty body exercises the invariant
	// path instead: no rows and no profile markers.
	source := &sequenceSource{results: []scholar.FetchResult{
		{StatusCode: 200, Body: []byte("")},
	}}
	exec, _ := newTestExecutor(source, ExecutorConfig{})

	page, attempts, err := exec.FetchPage(context.Background(), "u1", 0, 20)
	require.NoError(t, err)
	assert.Equal(t, scholar.PageLayoutChanged, page.State)
	assert.Equal(t, scholar.ReasonNoMarkers, page.Reason)
	assert.Len(t, attempts, 1)
}

func TestFetchPageStopsWhenContextCancelledMidBackoff(t *testing.T) {
	t.Parallel()
	source := &sequenceSource{results: []scholar.FetchResult{
		{Err: fmt.Errorf("dial tcp: connection refused")},
	}}
	exec := NewExecutor(source, fixedClock{at: time.Now()}, ExecutorConfig{MaxNetworkAttempts: 3}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, attempts, err := exec.FetchPage(ctx, "u1", 0, 20)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, attempts, 1)
}
