package run

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/contqueue"
	"github.com/scholarwatch/scholarwatch/internal/pagination"
	"github.com/scholarwatch/scholarwatch/internal/progress"
	"github.com/scholarwatch/scholarwatch/internal/scholar"
	"github.com/scholarwatch/scholarwatch/internal/store"
)

type memRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]store.CrawlRun
}

func newMemRuns() *memRuns {
	return &memRuns{runs: map[uuid.UUID]store.CrawlRun{}}
}

func (m *memRuns) Create(_ context.Context, run store.CrawlRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *memRuns) Get(_ context.Context, id uuid.UUID) (store.CrawlRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return store.CrawlRun{}, store.ErrNotFound
	}
	return run, nil
}

func (m *memRuns) GetByIdempotencyKey(_ context.Context, userID uuid.UUID, key string) (store.CrawlRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.UserID == userID && run.IdempotencyKey == key {
			return run, nil
		}
	}
	return store.CrawlRun{}, store.ErrNotFound
}

func (m *memRuns) UpdateStatus(_ context.Context, id uuid.UUID, status store.RunStatus, finishedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.FinishedAt = finishedAt
	m.runs[id] = run
	return nil
}

func (m *memRuns) SaveLog(_ context.Context, id uuid.UUID, log store.RunLog, scholarCount, newPubCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.Log = log
	run.ScholarCount = scholarCount
	run.NewPubCount = newPubCount
	m.runs[id] = run
	return nil
}

func (m *memRuns) ListStuckResolving(_ context.Context, olderThan time.Time) ([]store.CrawlRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.CrawlRun
	for _, run := range m.runs {
		if run.Status == store.RunResolving && run.StartedAt.Before(olderThan) {
			out = append(out, run)
		}
	}
	return out, nil
}

type orchProfiles struct {
	mu        sync.Mutex
	profiles  map[uuid.UUID]store.Profile
	baselined []uuid.UUID
	crawls    []string
}

func newOrchProfiles(profiles ...store.Profile) *orchProfiles {
	m := &orchProfiles{profiles: map[uuid.UUID]store.Profile{}}
	for _, p := range profiles {
		m.profiles[p.ID] = p
	}
	return m
}

func (m *orchProfiles) ListEnabled(_ context.Context, userID uuid.UUID) ([]store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Profile
	for _, p := range m.profiles {
		if p.UserID == userID && p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *orchProfiles) Get(_ context.Context, id uuid.UUID) (store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return store.Profile{}, store.ErrNotFound
	}
	return p, nil
}

func (m *orchProfiles) RecordCrawl(_ context.Context, id uuid.UUID, status, fingerprint string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profiles[id]
	p.LastStatus = status
	if fingerprint != "" {
		p.FirstPageFingerprint = fingerprint
	}
	m.profiles[id] = p
	m.crawls = append(m.crawls, status)
	return nil
}

func (m *orchProfiles) MarkBaselineDone(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profiles[id]
	p.BaselineDone = true
	m.profiles[id] = p
	m.baselined = append(m.baselined, id)
	return nil
}

type orchQueue struct {
	mu    sync.Mutex
	items map[uuid.UUID]store.QueueItem
}

func newOrchQueue() *orchQueue {
	return &orchQueue{items: map[uuid.UUID]store.QueueItem{}}
}

func (q *orchQueue) Upsert(_ context.Context, item store.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, existing := range q.items {
		if existing.UserID == item.UserID && existing.ProfileID == item.ProfileID {
			item.ID = id
			item.Attempts = existing.Attempts
			if existing.Status == store.QueueRetrying {
				item.Status = existing.Status
			}
			q.items[id] = item
			return nil
		}
	}
	item.ID = uuid.New()
	q.items[item.ID] = item
	return nil
}

func (q *orchQueue) Get(_ context.Context, id uuid.UUID) (store.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return store.QueueItem{}, store.ErrNotFound
	}
	return item, nil
}

func (q *orchQueue) List(_ context.Context, userID uuid.UUID) ([]store.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []store.QueueItem
	for _, item := range q.items {
		if item.UserID == userID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (q *orchQueue) ClaimDue(context.Context, time.Time, int) ([]store.QueueItem, error) {
	return nil, nil
}

func (q *orchQueue) Reschedule(context.Context, uuid.UUID, time.Time, int, string) error {
	return nil
}

func (q *orchQueue) Drop(_ context.Context, id uuid.UUID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.items[id]
	item.Status = store.QueueDropped
	item.Reason = reason
	q.items[id] = item
	return nil
}

func (q *orchQueue) Clear(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, id)
	return nil
}

func (q *orchQueue) Resolve(_ context.Context, userID, profileID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, item := range q.items {
		if item.UserID == userID && item.ProfileID == profileID {
			delete(q.items, id)
			return nil
		}
	}
	return store.ErrNotFound
}

type memLocker struct {
	mu   sync.Mutex
	held bool
}

func (l *memLocker) WithUserLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.held {
		l.mu.Unlock()
		return store.ErrRunInProgress
	}
	l.held = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
	}()
	return fn(ctx)
}

type recordingResolver struct {
	mu    sync.Mutex
	calls int
	users []uuid.UUID
	err   error
}

func (r *recordingResolver) ResolveBatch(_ context.Context, userID uuid.UUID, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.users = append(r.users, userID)
	return r.err
}

type captureEmitter struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (e *captureEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, evt.Stage)
}

func (e *captureEmitter) has(stage progress.Stage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.stages {
		if s == stage {
			return true
		}
	}
	return false
}

type stubIDGen struct{}

func (stubIDGen) NewRunID() (uuid.UUID, error) { return uuid.New(), nil }

// pageSource serves one canned page body per cursor.
type pageSource struct {
	mu    sync.Mutex
	pages map[int]scholar.FetchResult
}

func (s *pageSource) FetchProfilePage(_ context.Context, _ string, cursor, _ int) scholar.FetchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.pages[cursor]
	if !ok {
		return scholar.FetchResult{StatusCode: 404, Body: []byte("not scripted")}
	}
	return res
}

func (s *pageSource) FetchAuthorSearch(context.Context, string, int) scholar.FetchResult {
	return scholar.FetchResult{StatusCode: 404}
}

func profileListing(hasMore bool, rangeHigh int, title, cluster string) scholar.FetchResult {
	more := ""
	if hasMore {
		more = `<button id="gsc_bpf_more">Show more</button>`
	} else {
		more = `<button id="gsc_bpf_more" disabled="disabled">Show more</button>`
	}
	rangeSpan := ""
	if rangeHigh > 0 {
		rangeSpan = fmt.Sprintf(`<span id="gsc_a_nn">1&#8211;%d of 999</span>`, rangeHigh)
	}
	body := fmt.Sprintf(`<html><body><div id="gsc_prf_in">Author</div><table id="gsc_a_t"><tbody>
<tr class="gsc_a_tr"><td class="gsc_a_t">
<a class="gsc_a_at" href="/citations?view_op=view_citation&amp;user=u1&amp;citation_for_view=u1:%s">%s</a>
<div class="gs_gray">A Author</div><div class="gs_gray">Venue</div>
</td><td class="gsc_a_c"><a href="#">5</a></td><td class="gsc_a_y"><span>2020</span></td></tr>
</tbody></table>%s%s</body></html>`, cluster, title, more, rangeSpan)
	return scholar.FetchResult{StatusCode: 200, FinalURL: "https://scholar.example.com/citations", Body: []byte(body)}
}

type orchFixture struct {
	orch     *Orchestrator
	runs     *memRuns
	profiles *orchProfiles
	queue    *orchQueue
	pubs     *memPubs
	resolver *recordingResolver
	emitter  *captureEmitter
	clock    *movableClock
	userID   uuid.UUID
	profile  store.Profile
}

func newOrchFixture(t *testing.T, source scholar.FetchSource, engineCfg pagination.EngineConfig, safetyCfg SafetyConfig) *orchFixture {
	t.Helper()
	clock := &movableClock{at: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	userID := uuid.New()
	profile := store.Profile{ID: uuid.New(), UserID: userID, ExternalID: "u1", Enabled: true}

	runs := newMemRuns()
	profiles := newOrchProfiles(profile)
	queueStore := newOrchQueue()
	pubs := newMemPubs()
	resolver := &recordingResolver{}
	emitter := &captureEmitter{}

	queue := contqueue.New(queueStore, profiles, clock, contqueue.Config{}, zap.NewNop())
	safety := NewSafetyPolicy(newMemSafety(), clock, safetyCfg, zap.NewNop())
	exec := pagination.NewExecutor(source, clock, pagination.ExecutorConfig{
		MaxNetworkAttempts:   1,
		MaxRateLimitAttempts: 1,
	}, zap.NewNop())
	ingestor := NewIngestor(pubs, &memPdfJobs{}, zap.NewNop())
	engine := pagination.NewEngine(exec, ingestor, engineCfg, zap.NewNop())

	orch := NewOrchestrator(profiles, runs, &memLocker{}, safety, queue, engine, resolver,
		clock, stubIDGen{}, emitter, Config{ResolveTimeout: 5 * time.Second}, zap.NewNop())
	return &orchFixture{
		orch: orch, runs: runs, profiles: profiles, queue: queueStore, pubs: pubs,
		resolver: resolver, emitter: emitter, clock: clock, userID: userID, profile: profile,
	}
}

func TestInitializeRunCreatesRunningRun(t *testing.T) {
	t.Parallel()
	f := newOrchFixture(t, &pageSource{}, pagination.EngineConfig{}, SafetyConfig{})

	res, err := f.orch.InitializeRun(context.Background(), f.userID, store.TriggerManual, "key-1")
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.Equal(t, store.RunRunning, res.Run.Status)
	assert.Equal(t, 1, res.Run.ScholarCount)
	require.Len(t, res.Profiles, 1)

	stored, err := f.runs.Get(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, "key-1", stored.IdempotencyKey)
}

func TestInitializeRunReplaysIdempotencyKey(t *testing.T) {
	t.Parallel()
	f := newOrchFixture(t, &pageSource{}, pagination.EngineConfig{}, SafetyConfig{})

	first, err := f.orch.InitializeRun(context.Background(), f.userID, store.TriggerManual, "key-1")
	require.NoError(t, err)
	second, err := f.orch.InitializeRun(context.Background(), f.userID, store.TriggerManual, "key-1")
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Run.ID, second.Run.ID)
	assert.Empty(t, second.Profiles, "an existing run is never re-executed")
}

func TestInitializeRunRejectedDuringCooldown(t *testing.T) {
	t.Parallel()
	f := newOrchFixture(t, &pageSource{}, pagination.EngineConfig{}, SafetyConfig{BlockedThreshold: 1})
	require.NoError(t, f.orch.safety.ObserveRun(context.Background(), f.userID, scholar.FailureSummary{Blocked: 1}))

	_, err := f.orch.InitializeRun(context.Background(), f.userID, store.TriggerManual, "")
	var cooldown *CooldownError
	require.ErrorAs(t, err, &cooldown)
}

func TestInitializeRunPicksUpResumeCursors(t *testing.T) {
	t.Parallel()
	f := newOrchFixture(t, &pageSource{}, pagination.EngineConfig{}, SafetyConfig{})
	require.NoError(t, f.queue.Upsert(context.Background(), store.QueueItem{
		UserID:       f.userID,
		ProfileID:    f.profile.ID,
		Status:       store.QueueQueued,
		ResumeCursor: 40,
	}))

	res, err := f.orch.InitializeRun(context.Background(), f.userID, store.TriggerManual, "")
	require.NoError(t, err)
	assert.Equal(t, 40, res.ResumeCursors[f.profile.ID])
}

func TestExecuteRunCompletesSuccessfully(t *testing.T) {
	t.Parallel()
	source := &pageSource{pages: map[int]scholar.FetchResult{
		0: profileListing(false, 0, "Adam: A method for stochastic optimization", "c1"),
	}}
	f := newOrchFixture(t, source, pagination.EngineConfig{}, SafetyConfig{})

	res, err := f.orch.InitializeRun(context.Background(), f.userID, store.TriggerManual, "")
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteRun(context.Background(), res.Run.ID, res.Profiles, res.ResumeCursors))
	f.orch.WaitResolutions()

	final, err := f.runs.Get(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, final.Status)
	require.NotNil(t, final.FinishedAt)
	require.Len(t, final.Log.Profiles, 1)
	assert.Equal(t, scholar.ProfileSuccess, final.Log.Profiles[0].Result)
	assert.Equal(t, 1, final.NewPubCount)

	assert.Equal(t, 1, f.resolver.calls)
	assert.Equal(t, []uuid.UUID{f.profile.ID}, f.profiles.baselined)
	assert.True(t, f.emitter.has(progress.StageRunStart))
	assert.True(t, f.emitter.has(progress.StageProfileDone))
	assert.True(t, f.emitter.has(progress.StageResolveDone))
	assert.True(t, f.emitter.has(progress.StageRunDone))
}

func TestExecuteRunTruncationRecordsContinuation(t *testing.T) {
	t.Parallel()
	source := &pageSource{pages: map[int]scholar.FetchResult{
		0: profileListing(true, 20, "Paper one", "c1"),
	}}
	f := newOrchFixture(t, source, pagination.EngineConfig{MaxPages: 1}, SafetyConfig{})

	res, err := f.orch.InitializeRun(context.Background(), f.userID, store.TriggerManual, "")
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteRun(context.Background(), res.Run.ID, res.Profiles, res.ResumeCursors))
	f.orch.WaitResolutions()

	final, err := f.runs.Get(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunPartialFailure, final.Status)

	items, err := f.queue.List(context.Background(), f.userID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 20, items[0].ResumeCursor)
	assert.Equal(t, scholar.TruncMaxPages, items[0].Reason)
}

func TestExecuteRunBlockedRunOpensCooldown(t *testing.T) {
	t.Parallel()
	source := &pageSource{pages: map[int]scholar.FetchResult{
		0: {StatusCode: 429, Body: []byte("rate limited")},
	}}
	f := newOrchFixture(t, source, pagination.EngineConfig{}, SafetyConfig{BlockedThreshold: 1})

	res, err := f.orch.InitializeRun(context.Background(), f.userID, store.TriggerManual, "")
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteRun(context.Background(), res.Run.ID, res.Profiles, res.ResumeCursors))
	f.orch.WaitResolutions()

	final, err := f.runs.Get(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, final.Status)
	assert.Equal(t, 1, final.Log.Summary.Blocked)

	_, err = f.orch.InitializeRun(context.Background(), f.userID, store.TriggerManual, "")
	var cooldown *CooldownError
	require.ErrorAs(t, err, &cooldown)
	assert.Equal(t, "blocked", cooldown.Class)
}

func TestExecuteRunBlockedKeepsStoredContinuation(t *testing.T) {
	t.Parallel()
	source := &pageSource{pages: map[int]scholar.FetchResult{
		40: {StatusCode: 429, Body: []byte("rate limited")},
	}}
	f := newOrchFixture(t, source, pagination.EngineConfig{}, SafetyConfig{})
	require.NoError(t, f.queue.Upsert(context.Background(), store.QueueItem{
		UserID:       f.userID,
		ProfileID:    f.profile.ID,
		Status:       store.QueueQueued,
		ResumeCursor: 40,
		Reason:       scholar.TruncMaxPages,
	}))

	res, err := f.orch.InitializeRun(context.Background(), f.userID, store.TriggerManual, "")
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteRun(context.Background(), res.Run.ID, res.Profiles, res.ResumeCursors))
	f.orch.WaitResolutions()

	final, err := f.runs.Get(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, final.Status)

	items, err := f.queue.List(context.Background(), f.userID)
	require.NoError(t, err)
	require.Len(t, items, 1, "a failed crawl leaves the continuation intact")
	assert.Equal(t, 40, items[0].ResumeCursor)
}

func TestExecuteRunCanceledBeforeCrawlSkipsResolution(t *testing.T) {
	t.Parallel()
	source := &pageSource{pages: map[int]scholar.FetchResult{
		0: profileListing(false, 0, "Paper one", "c1"),
	}}
	f := newOrchFixture(t, source, pagination.EngineConfig{}, SafetyConfig{})

	res, err := f.orch.InitializeRun(context.Background(), f.userID, store.TriggerManual, "")
	require.NoError(t, err)
	require.NoError(t, f.orch.CancelRun(context.Background(), res.Run.ID))
	require.NoError(t, f.orch.ExecuteRun(context.Background(), res.Run.ID, res.Profiles, res.ResumeCursors))
	f.orch.WaitResolutions()

	final, err := f.runs.Get(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCanceled, final.Status)
	assert.Zero(t, f.resolver.calls)
}

func TestCancelRunTerminalConflicts(t *testing.T) {
	t.Parallel()
	f := newOrchFixture(t, &pageSource{}, pagination.EngineConfig{}, SafetyConfig{})
	runID := uuid.New()
	require.NoError(t, f.runs.Create(context.Background(), store.CrawlRun{
		ID: runID, UserID: f.userID, Status: store.RunSuccess,
	}))

	err := f.orch.CancelRun(context.Background(), runID)
	assert.ErrorIs(t, err, store.ErrWrongState)
}

func TestRecoverStuckRuns(t *testing.T) {
	t.Parallel()
	f := newOrchFixture(t, &pageSource{}, pagination.EngineConfig{}, SafetyConfig{})
	runID := uuid.New()
	require.NoError(t, f.runs.Create(context.Background(), store.CrawlRun{
		ID:        runID,
		UserID:    f.userID,
		Status:    store.RunResolving,
		StartedAt: f.clock.Now().Add(-3 * time.Hour),
		Log: store.RunLog{Profiles: []scholar.ProfileOutcome{
			{Result: scholar.ProfileSuccess},
			{Result: scholar.ProfilePartial},
		}},
	}))

	require.NoError(t, f.orch.RecoverStuckRuns(context.Background()))

	final, err := f.runs.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunPartialFailure, final.Status)
	require.NotNil(t, final.FinishedAt)
}

func TestResumeCompletesContinuation(t *testing.T) {
	t.Parallel()
	source := &pageSource{pages: map[int]scholar.FetchResult{
		40: profileListing(false, 0, "Paper five", "c5"),
	}}
	f := newOrchFixture(t, source, pagination.EngineConfig{}, SafetyConfig{})

	complete, err := f.orch.Resume(context.Background(), store.QueueItem{
		UserID:       f.userID,
		ProfileID:    f.profile.ID,
		ResumeCursor: 40,
	})
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestResumeStillTruncatedMovesCursorForward(t *testing.T) {
	t.Parallel()
	source := &pageSource{pages: map[int]scholar.FetchResult{
		40: profileListing(true, 60, "Paper five", "c5"),
	}}
	f := newOrchFixture(t, source, pagination.EngineConfig{MaxPages: 1}, SafetyConfig{})

	complete, err := f.orch.Resume(context.Background(), store.QueueItem{
		UserID:       f.userID,
		ProfileID:    f.profile.ID,
		ResumeCursor: 40,
	})
	require.NoError(t, err)
	assert.False(t, complete)

	items, err := f.queue.List(context.Background(), f.userID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 60, items[0].ResumeCursor)
}

func TestResumeLeavesClaimedItemRetrying(t *testing.T) {
	t.Parallel()
	source := &pageSource{pages: map[int]scholar.FetchResult{
		40: profileListing(true, 60, "Paper five", "c5"),
	}}
	f := newOrchFixture(t, source, pagination.EngineConfig{MaxPages: 1}, SafetyConfig{})
	require.NoError(t, f.queue.Upsert(context.Background(), store.QueueItem{
		UserID:       f.userID,
		ProfileID:    f.profile.ID,
		Status:       store.QueueRetrying,
		ResumeCursor: 40,
		Attempts:     1,
	}))

	complete, err := f.orch.Resume(context.Background(), store.QueueItem{
		UserID:       f.userID,
		ProfileID:    f.profile.ID,
		ResumeCursor: 40,
	})
	require.NoError(t, err)
	assert.False(t, complete)

	items, err := f.queue.List(context.Background(), f.userID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, store.QueueRetrying, items[0].Status, "reschedule stays with the drain loop")
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, 60, items[0].ResumeCursor)
}

func TestAggregateStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		outcomes []scholar.ProfileOutcome
		want     store.RunStatus
	}{
		{"no profiles", nil, store.RunSuccess},
		{"all success", []scholar.ProfileOutcome{{Result: scholar.ProfileSuccess}}, store.RunSuccess},
		{
			"mixed partial",
			[]scholar.ProfileOutcome{{Result: scholar.ProfileSuccess}, {Result: scholar.ProfilePartial}},
			store.RunPartialFailure,
		},
		{
			"some failed",
			[]scholar.ProfileOutcome{{Result: scholar.ProfileFailed}, {Result: scholar.ProfileSuccess}},
			store.RunPartialFailure,
		},
		{
			"all failed",
			[]scholar.ProfileOutcome{{Result: scholar.ProfileFailed}, {Result: scholar.ProfileFailed}},
			store.RunFailed,
		},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, aggregateStatus(tc.outcomes), tc.name)
	}
}

func TestExtraAttempts(t *testing.T) {
	t.Parallel()
	attempts := []scholar.AttemptLog{
		{Attempt: 1, Cursor: 0},
		{Attempt: 2, Cursor: 0},
		{Attempt: 3, Cursor: 0},
		{Attempt: 1, Cursor: 20},
	}
	assert.Equal(t, 2, extraAttempts(attempts))
	assert.Zero(t, extraAttempts(nil))
}

func TestBucketFailure(t *testing.T) {
	t.Parallel()
	var sum scholar.FailureSummary
	bucketFailure(&sum, scholar.ProfileOutcome{Result: scholar.ProfileSuccess, State: scholar.PageBlocked})
	bucketFailure(&sum, scholar.ProfileOutcome{Result: scholar.ProfileFailed, State: scholar.PageBlocked})
	bucketFailure(&sum, scholar.ProfileOutcome{Result: scholar.ProfileFailed, State: scholar.PageNetworkError})
	bucketFailure(&sum, scholar.ProfileOutcome{Result: scholar.ProfilePartial, State: scholar.PageLayoutChanged})
	bucketFailure(&sum, scholar.ProfileOutcome{Result: scholar.ProfileFailed})

	assert.Equal(t, 1, sum.Blocked)
	assert.Equal(t, 1, sum.Network)
	assert.Equal(t, 1, sum.LayoutChanged)
	assert.Equal(t, 1, sum.Other)
}
