// Package run owns the crawl run lifecycle: the per-user exclusive lock, the
// two-phase fan-out of the pagination engine across tracked profiles, outcome
// aggregation, and the handoff to the background resolution phase.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/contqueue"
	"github.com/scholarwatch/scholarwatch/internal/metrics"
	"github.com/scholarwatch/scholarwatch/internal/pagination"
	"github.com/scholarwatch/scholarwatch/internal/progress"
	"github.com/scholarwatch/scholarwatch/internal/scholar"
	"github.com/scholarwatch/scholarwatch/internal/store"
)

// Resolver runs the post-crawl PDF/identifier resolution phase.
type Resolver interface {
	ResolveBatch(ctx context.Context, userID uuid.UUID, limit int) error
}

// Config controls orchestration behavior.
type Config struct {
	// RunPageBudget caps total page fetches across all profiles in one run.
	RunPageBudget int
	// InterProfileDelay spaces profile crawls for politeness.
	InterProfileDelay time.Duration
	ResolveBatchLimit int
	// ResolveTimeout bounds the detached resolution phase.
	ResolveTimeout time.Duration
	// StuckResolvingAge is how long a run may sit in RESOLVING before the
	// recovery pass restores its terminal status.
	StuckResolvingAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunPageBudget <= 0 {
		c.RunPageBudget = 60
	}
	if c.ResolveBatchLimit <= 0 {
		c.ResolveBatchLimit = 50
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 30 * time.Minute
	}
	if c.StuckResolvingAge <= 0 {
		c.StuckResolvingAge = time.Hour
	}
	return c
}

// Orchestrator coordinates one crawl run end to end.
type Orchestrator struct {
	profiles store.ProfileStore
	runs     store.RunStore
	locker   store.RunLocker
	safety   *SafetyPolicy
	queue    *contqueue.Service
	engine   *pagination.Engine
	resolver Resolver
	clock    scholar.Clock
	idGen    scholar.IDGenerator
	emitter  progress.Emitter
	logger   *zap.Logger
	cfg      Config

	resolveWG sync.WaitGroup
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(
	profiles store.ProfileStore,
	runs store.RunStore,
	locker store.RunLocker,
	safety *SafetyPolicy,
	queue *contqueue.Service,
	engine *pagination.Engine,
	resolver Resolver,
	clock scholar.Clock,
	idGen scholar.IDGenerator,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		profiles: profiles,
		runs:     runs,
		locker:   locker,
		safety:   safety,
		queue:    queue,
		engine:   engine,
		resolver: resolver,
		clock:    clock,
		idGen:    idGen,
		emitter:  emitter,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// InitResult is returned by InitializeRun.
type InitResult struct {
	Run store.CrawlRun
	// Existing is true when the idempotency key matched a prior run; the
	// caller must not execute again.
	Existing      bool
	Profiles      []store.Profile
	ResumeCursors map[uuid.UUID]int
}

// InitializeRun gates, creates, and plans one run: the safety cooldown check,
// idempotency-key lookup, the profile list in creation order, and any resume
// cursors recorded by the continuation queue.
func (o *Orchestrator) InitializeRun(
	ctx context.Context,
	userID uuid.UUID,
	trigger store.TriggerType,
	idempotencyKey string,
) (InitResult, error) {
	if err := o.safety.CheckStart(ctx, userID); err != nil {
		return InitResult{}, err
	}

	if idempotencyKey != "" {
		prior, err := o.runs.GetByIdempotencyKey(ctx, userID, idempotencyKey)
		switch {
		case err == nil:
			return InitResult{Run: prior, Existing: true}, nil
		case !errors.Is(err, store.ErrNotFound):
			return InitResult{}, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	profiles, err := o.profiles.ListEnabled(ctx, userID)
	if err != nil {
		return InitResult{}, fmt.Errorf("list profiles: %w", err)
	}
	cursors, err := o.resumeCursors(ctx, userID, profiles)
	if err != nil {
		return InitResult{}, err
	}

	runID, err := o.idGen.NewRunID()
	if err != nil {
		return InitResult{}, fmt.Errorf("generate run id: %w", err)
	}
	crawlRun := store.CrawlRun{
		ID:             runID,
		UserID:         userID,
		Trigger:        trigger,
		Status:         store.RunRunning,
		ScholarCount:   len(profiles),
		IdempotencyKey: idempotencyKey,
		StartedAt:      o.clock.Now(),
	}
	if err := o.runs.Create(ctx, crawlRun); err != nil {
		return InitResult{}, fmt.Errorf("create run: %w", err)
	}
	return InitResult{Run: crawlRun, Profiles: profiles, ResumeCursors: cursors}, nil
}

func (o *Orchestrator) resumeCursors(
	ctx context.Context,
	userID uuid.UUID,
	profiles []store.Profile,
) (map[uuid.UUID]int, error) {
	items, err := o.queue.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list continuations: %w", err)
	}
	tracked := make(map[uuid.UUID]struct{}, len(profiles))
	for _, p := range profiles {
		tracked[p.ID] = struct{}{}
	}
	cursors := make(map[uuid.UUID]int)
	for _, item := range items {
		if item.Status != store.QueueQueued {
			continue
		}
		if _, ok := tracked[item.ProfileID]; ok {
			cursors[item.ProfileID] = item.ResumeCursor
		}
	}
	return cursors, nil
}

// ExecuteRun performs the crawl under the per-user lock and hands off to the
// detached resolution phase. It blocks until the crawl (not the resolution)
// finishes; callers treat it as fire-and-forget.
func (o *Orchestrator) ExecuteRun(
	ctx context.Context,
	runID uuid.UUID,
	profiles []store.Profile,
	resumeCursors map[uuid.UUID]int,
) error {
	crawlRun, err := o.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	var (
		intended store.RunStatus
		runLog   store.RunLog
		newPubs  int
	)
	lockErr := o.locker.WithUserLock(ctx, crawlRun.UserID, func(ctx context.Context) error {
		intended, runLog, newPubs = o.crawl(ctx, crawlRun, profiles, resumeCursors)
		return nil
	})
	if lockErr != nil {
		if errors.Is(lockErr, store.ErrRunInProgress) {
			o.failRun(ctx, runID, "run already in progress")
			return lockErr
		}
		o.failRun(ctx, runID, lockErr.Error())
		return fmt.Errorf("run lock: %w", lockErr)
	}

	if err := o.runs.SaveLog(ctx, runID, runLog, len(profiles), newPubs); err != nil {
		o.logger.Error("save run log failed", zap.String("run_id", runID.String()), zap.Error(err))
	}
	if err := o.safety.ObserveRun(ctx, crawlRun.UserID, runLog.Summary); err != nil {
		o.logger.Error("safety observe failed", zap.String("run_id", runID.String()), zap.Error(err))
	}

	if o.isCanceled(ctx, runID) {
		o.finishRun(ctx, runID, store.RunCanceled)
		return nil
	}
	if err := o.runs.UpdateStatus(ctx, runID, store.RunResolving, nil); err != nil {
		o.logger.Error("enter resolving failed", zap.String("run_id", runID.String()), zap.Error(err))
		o.finishRun(ctx, runID, intended)
		return nil
	}
	o.resolveDetached(runID, crawlRun.UserID, intended)
	return nil
}

// crawl runs the two-phase cross-profile schedule: a breadth pass fetching
// exactly one page per profile, then a depth pass spending the remaining page
// budget on profiles that still have a forward cursor. This keeps one deep
// profile from starving everyone else's first page.
func (o *Orchestrator) crawl(
	ctx context.Context,
	crawlRun store.CrawlRun,
	profiles []store.Profile,
	resumeCursors map[uuid.UUID]int,
) (store.RunStatus, store.RunLog, int) {
	o.emitter.Emit(progress.Event{RunID: crawlRun.ID, TS: o.clock.Now(), Stage: progress.StageRunStart})

	states := make([]*pagination.ProfileState, 0, len(profiles))
	for _, p := range profiles {
		states = append(states, pagination.NewProfileState(p, resumeCursors[p.ID]))
	}

	budget := o.cfg.RunPageBudget
	canceled := false

	// Breadth pass: one page per profile, round robin fairness.
	for _, st := range states {
		if o.isCanceled(ctx, crawlRun.ID) {
			canceled = true
			break
		}
		o.emitter.Emit(progress.Event{
			RunID: crawlRun.ID, TS: o.clock.Now(),
			Stage: progress.StageProfileStart, ProfileID: st.Profile.ID.String(),
		})
		fetched := o.stepSafely(ctx, crawlRun.ID, st, 1)
		budget -= fetched
		o.delayBetweenProfiles(ctx)
	}

	// Depth pass: resume profiles whose breadth pass left a forward cursor.
	// A cancellation observed here aborts immediately; already progressed
	// profiles keep their partial upserts.
	if !canceled {
	depth:
		for _, st := range states {
			for st.WantsMore() && budget > 0 {
				if o.isCanceled(ctx, crawlRun.ID) {
					canceled = true
					break depth
				}
				fetched := o.stepSafely(ctx, crawlRun.ID, st, 1)
				if fetched == 0 {
					break
				}
				budget -= fetched
			}
		}
	}

	runLog, newPubs := o.collectOutcomes(ctx, crawlRun, states)
	intended := aggregateStatus(runLog.Profiles)
	if canceled {
		intended = store.RunCanceled
	}
	return intended, runLog, newPubs
}

// stepSafely advances one profile by up to pageBudget pages, catching panics
// at the profile boundary so one profile's crash cannot abort the whole run.
func (o *Orchestrator) stepSafely(
	ctx context.Context,
	runID uuid.UUID,
	st *pagination.ProfileState,
	pageBudget int,
) (fetched int) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("profile crawl panicked",
				zap.String("run_id", runID.String()),
				zap.String("profile_id", st.Profile.ID.String()),
				zap.Any("panic", r),
			)
			st.Done = true
		}
	}()
	fetched, err := o.engine.Step(ctx, st, pageBudget)
	if err != nil {
		o.logger.Warn("profile crawl step failed",
			zap.String("run_id", runID.String()),
			zap.String("profile_id", st.Profile.ID.String()),
			zap.Error(err),
		)
		st.Done = true
		return fetched
	}
	if fetched > 0 {
		o.emitter.Emit(progress.Event{
			RunID: runID, TS: o.clock.Now(),
			Stage:     progress.StagePageFetched,
			ProfileID: st.Profile.ID.String(),
			Cursor:    st.Cursor,
			Extracted: st.Extracted,
			NewPubs:   st.NewPubs,
		})
	}
	return fetched
}

func (o *Orchestrator) collectOutcomes(
	ctx context.Context,
	crawlRun store.CrawlRun,
	states []*pagination.ProfileState,
) (store.RunLog, int) {
	var (
		runLog  store.RunLog
		newPubs int
	)
	for _, st := range states {
		outcome := o.engine.Outcome(st)
		runLog.Profiles = append(runLog.Profiles, outcome)
		metrics.ObserveProfileOutcome(string(outcome.Result))
		newPubs += outcome.NewPublications
		bucketFailure(&runLog.Summary, outcome)
		runLog.Summary.Retries += extraAttempts(outcome.Attempts)

		o.recordProfile(ctx, crawlRun, st, outcome)
		o.emitter.Emit(progress.Event{
			RunID: crawlRun.ID, TS: o.clock.Now(),
			Stage:     progress.StageProfileDone,
			ProfileID: st.Profile.ID.String(),
			State:     string(outcome.Result),
			Extracted: outcome.Extracted,
			NewPubs:   outcome.NewPublications,
		})
	}
	return runLog, newPubs
}

func (o *Orchestrator) recordProfile(
	ctx context.Context,
	crawlRun store.CrawlRun,
	st *pagination.ProfileState,
	outcome scholar.ProfileOutcome,
) {
	if err := o.profiles.RecordCrawl(
		ctx, st.Profile.ID, string(outcome.Result), st.FirstPageFingerprint, o.clock.Now(),
	); err != nil {
		o.logger.Error("record profile crawl failed",
			zap.String("profile_id", st.Profile.ID.String()), zap.Error(err))
	}
	if outcome.Result == scholar.ProfileSuccess && outcome.TruncationReason == "" && !st.Profile.BaselineDone {
		if err := o.profiles.MarkBaselineDone(ctx, st.Profile.ID); err != nil {
			o.logger.Error("mark baseline failed",
				zap.String("profile_id", st.Profile.ID.String()), zap.Error(err))
		}
	}

	if outcome.ContinuationCursor != nil {
		err := o.queue.RecordTruncation(
			ctx, crawlRun.UserID, st.Profile.ID, crawlRun.ID,
			*outcome.ContinuationCursor, outcome.TruncationReason, outcome.Reason,
		)
		if err != nil {
			o.logger.Error("record continuation failed",
				zap.String("profile_id", st.Profile.ID.String()), zap.Error(err))
		}
		return
	}
	// A failed crawl without a cursor (blocked or layout drift before any
	// progress) says nothing about the stored continuation, so it stays.
	if outcome.Result == scholar.ProfileFailed {
		return
	}
	if err := o.queue.RecordClean(ctx, crawlRun.UserID, st.Profile.ID); err != nil {
		o.logger.Error("clear continuation failed",
			zap.String("profile_id", st.Profile.ID.String()), zap.Error(err))
	}
}

func bucketFailure(sum *scholar.FailureSummary, outcome scholar.ProfileOutcome) {
	if outcome.Result == scholar.ProfileSuccess {
		return
	}
	switch outcome.State {
	case scholar.PageBlocked:
		sum.Blocked++
	case scholar.PageNetworkError:
		sum.Network++
	case scholar.PageLayoutChanged:
		sum.LayoutChanged++
	default:
		sum.Other++
	}
}

func extraAttempts(attempts []scholar.AttemptLog) int {
	extra := 0
	seen := map[int]int{}
	for _, a := range attempts {
		seen[a.Cursor]++
	}
	for _, n := range seen {
		if n > 1 {
			extra += n - 1
		}
	}
	return extra
}

// aggregateStatus folds per-profile outcomes into the run-level status.
func aggregateStatus(outcomes []scholar.ProfileOutcome) store.RunStatus {
	if len(outcomes) == 0 {
		return store.RunSuccess
	}
	failed, degraded := 0, 0
	for _, out := range outcomes {
		switch out.Result {
		case scholar.ProfileFailed:
			failed++
			degraded++
		case scholar.ProfilePartial:
			degraded++
		}
	}
	switch {
	case failed == len(outcomes):
		return store.RunFailed
	case degraded > 0:
		return store.RunPartialFailure
	default:
		return store.RunSuccess
	}
}

func (o *Orchestrator) isCanceled(ctx context.Context, runID uuid.UUID) bool {
	current, err := o.runs.Get(ctx, runID)
	if err != nil {
		return false
	}
	return current.Status == store.RunCanceled
}

func (o *Orchestrator) delayBetweenProfiles(ctx context.Context) {
	if o.cfg.InterProfileDelay <= 0 {
		return
	}
	timer := time.NewTimer(o.cfg.InterProfileDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (o *Orchestrator) failRun(ctx context.Context, runID uuid.UUID, note string) {
	o.logger.Warn("run failed before crawl", zap.String("run_id", runID.String()), zap.String("note", note))
	o.finishRun(ctx, runID, store.RunFailed)
}

func (o *Orchestrator) finishRun(ctx context.Context, runID uuid.UUID, status store.RunStatus) {
	now := o.clock.Now()
	if err := o.runs.UpdateStatus(ctx, runID, status, &now); err != nil {
		o.logger.Error("finish run failed",
			zap.String("run_id", runID.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveRun(string(status))
	o.emitter.Emit(progress.Event{
		RunID: runID, TS: now, Stage: progress.StageRunDone, State: string(status),
	})
}

// resolveDetached runs the resolution phase as a background task. The run has
// already reported its crawl result; resolution failures are isolated and the
// intended terminal status is always applied.
func (o *Orchestrator) resolveDetached(runID, userID uuid.UUID, intended store.RunStatus) {
	o.resolveWG.Add(1)
	go func() {
		defer o.resolveWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ResolveTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("resolution phase panicked",
					zap.String("run_id", runID.String()), zap.Any("panic", r))
			}
			o.stampAfterResolve(ctx, runID, intended)
		}()

		o.emitter.Emit(progress.Event{RunID: runID, TS: o.clock.Now(), Stage: progress.StageResolveStart})
		if err := o.resolver.ResolveBatch(ctx, userID, o.cfg.ResolveBatchLimit); err != nil {
			o.logger.Warn("resolution batch failed",
				zap.String("run_id", runID.String()), zap.Error(err))
		}
		o.emitter.Emit(progress.Event{RunID: runID, TS: o.clock.Now(), Stage: progress.StageResolveDone})
	}()
}

func (o *Orchestrator) stampAfterResolve(ctx context.Context, runID uuid.UUID, intended store.RunStatus) {
	current, err := o.runs.Get(ctx, runID)
	if err != nil {
		o.logger.Error("load run after resolve failed", zap.String("run_id", runID.String()), zap.Error(err))
		return
	}
	if current.Status != store.RunResolving {
		// Canceled mid-resolve; leave the external verdict alone.
		return
	}
	o.finishRun(ctx, runID, intended)
}

// CancelRun requests cooperative cancellation: the in-flight loop observes
// the status write at its next checkpoint.
func (o *Orchestrator) CancelRun(ctx context.Context, runID uuid.UUID) error {
	current, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("run is already %s: %w", current.Status, store.ErrWrongState)
	}
	return o.runs.UpdateStatus(ctx, runID, store.RunCanceled, nil)
}

// GetRunStatus loads the run record.
func (o *Orchestrator) GetRunStatus(ctx context.Context, runID uuid.UUID) (store.CrawlRun, error) {
	return o.runs.Get(ctx, runID)
}

// RecoverStuckRuns restamps runs abandoned in RESOLVING, recomputing the
// intended terminal status from the persisted outcome log.
func (o *Orchestrator) RecoverStuckRuns(ctx context.Context) error {
	cutoff := o.clock.Now().Add(-o.cfg.StuckResolvingAge)
	stuck, err := o.runs.ListStuckResolving(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stuck runs: %w", err)
	}
	for _, r := range stuck {
		intended := aggregateStatus(r.Log.Profiles)
		o.logger.Warn("recovering run stuck in resolving",
			zap.String("run_id", r.ID.String()),
			zap.String("intended", string(intended)),
		)
		o.finishRun(ctx, r.ID, intended)
	}
	return nil
}

// Resume re-crawls one continuation item's profile from its recorded cursor.
// It implements contqueue.Resumer under the same per-user lock as a full run.
func (o *Orchestrator) Resume(ctx context.Context, item store.QueueItem) (bool, error) {
	profile, err := o.profiles.Get(ctx, item.ProfileID)
	if err != nil {
		return false, fmt.Errorf("load profile: %w", err)
	}
	complete := false
	err = o.locker.WithUserLock(ctx, item.UserID, func(ctx context.Context) error {
		st := pagination.NewProfileState(profile, item.ResumeCursor)
		if _, err := o.engine.Step(ctx, st, o.cfg.RunPageBudget); err != nil {
			return err
		}
		outcome := o.engine.Outcome(st)
		if err := o.profiles.RecordCrawl(
			ctx, profile.ID, string(outcome.Result), st.FirstPageFingerprint, o.clock.Now(),
		); err != nil {
			o.logger.Error("record resumed crawl failed",
				zap.String("profile_id", profile.ID.String()), zap.Error(err))
		}
		complete = outcome.ContinuationCursor == nil && outcome.Result != scholar.ProfileFailed
		if outcome.Result == scholar.ProfileFailed {
			return fmt.Errorf("resumed crawl failed: %s", outcome.Reason)
		}
		if outcome.ContinuationCursor != nil {
			// Move the stored cursor forward so the next drain resumes
			// where this attempt stopped. The claimed item stays in the
			// retrying state, leaving backoff and the attempt count to
			// the drain loop's reschedule.
			if err := o.queue.RecordTruncation(
				ctx, item.UserID, profile.ID, item.LastRunID,
				*outcome.ContinuationCursor, outcome.TruncationReason, outcome.Reason,
			); err != nil {
				o.logger.Error("update resumed continuation failed",
					zap.String("profile_id", profile.ID.String()), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return complete, nil
}

// WaitResolutions blocks until detached resolution tasks finish; used during
// shutdown.
func (o *Orchestrator) WaitResolutions() {
	o.resolveWG.Wait()
}
