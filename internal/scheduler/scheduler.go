// Package scheduler drives the background cadence of the service: scheduled
// crawl runs, continuation-queue drains, the PDF job sweeper, and the
// stuck-run recovery pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/contqueue"
	"github.com/scholarwatch/scholarwatch/internal/run"
	"github.com/scholarwatch/scholarwatch/internal/scholar"
	"github.com/scholarwatch/scholarwatch/internal/store"
)

// RunStarter starts scheduled runs and recovers stuck ones.
type RunStarter interface {
	InitializeRun(ctx context.Context, userID uuid.UUID, trigger store.TriggerType, idempotencyKey string) (run.InitResult, error)
	ExecuteRun(ctx context.Context, runID uuid.UUID, profiles []store.Profile, resumeCursors map[uuid.UUID]int) error
	RecoverStuckRuns(ctx context.Context) error
}

// Drainer resumes due continuation items.
type Drainer interface {
	Drain(ctx context.Context, limit int, resumer contqueue.Resumer) error
}

// Resolver runs one PDF resolution batch.
type Resolver interface {
	ResolveBatch(ctx context.Context, userID uuid.UUID, limit int) error
}

// Config holds the cron expressions and job parameters.
type Config struct {
	RunSpec      string
	QueueSpec    string
	PdfSweepSpec string
	RecoverySpec string
	// ScheduledUser is the user whose profiles the scheduled run crawls.
	ScheduledUser uuid.UUID
	DrainBatch    int
	// SweepCooldown is how long a failed PDF job rests before requeueing.
	SweepCooldown   time.Duration
	SweepMaxAttempt int
	ResolveLimit    int
	JobTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunSpec == "" {
		c.RunSpec = "0 */6 * * *"
	}
	if c.QueueSpec == "" {
		c.QueueSpec = "*/10 * * * *"
	}
	if c.PdfSweepSpec == "" {
		c.PdfSweepSpec = "30 * * * *"
	}
	if c.RecoverySpec == "" {
		c.RecoverySpec = "15 * * * *"
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 5
	}
	if c.SweepCooldown <= 0 {
		c.SweepCooldown = 6 * time.Hour
	}
	if c.SweepMaxAttempt <= 0 {
		c.SweepMaxAttempt = 5
	}
	if c.ResolveLimit <= 0 {
		c.ResolveLimit = 50
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 45 * time.Minute
	}
	return c
}

// Scheduler owns the cron entries. Each job guards against overlapping with
// its own previous invocation; distinct jobs may overlap.
type Scheduler struct {
	cron     *cron.Cron
	starter  RunStarter
	resumer  contqueue.Resumer
	drainer  Drainer
	resolver Resolver
	pdfJobs  store.PdfJobStore
	clock    scholar.Clock
	cfg      Config
	logger   *zap.Logger

	runBusy     atomic.Bool
	drainBusy   atomic.Bool
	sweepBusy   atomic.Bool
	recoverBusy atomic.Bool
}

// New constructs a Scheduler; Start registers the entries.
func New(
	starter RunStarter,
	resumer contqueue.Resumer,
	drainer Drainer,
	resolver Resolver,
	pdfJobs store.PdfJobStore,
	clock scholar.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:     cron.New(),
		starter:  starter,
		resumer:  resumer,
		drainer:  drainer,
		resolver: resolver,
		pdfJobs:  pdfJobs,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Start registers the cron entries and launches the cron loop.
func (s *Scheduler) Start() error {
	entries := []struct {
		spec string
		name string
		fn   func()
	}{
		{s.cfg.RunSpec, "scheduled_run", s.scheduledRun},
		{s.cfg.QueueSpec, "queue_drain", s.queueDrain},
		{s.cfg.PdfSweepSpec, "pdf_sweep", s.pdfSweep},
		{s.cfg.RecoverySpec, "run_recovery", s.runRecovery},
	}
	for _, e := range entries {
		if _, err := s.cron.AddFunc(e.spec, e.fn); err != nil {
			return fmt.Errorf("register %s (%q): %w", e.name, e.spec, err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("run_spec", s.cfg.RunSpec),
		zap.String("queue_spec", s.cfg.QueueSpec),
		zap.String("pdf_sweep_spec", s.cfg.PdfSweepSpec),
		zap.String("recovery_spec", s.cfg.RecoverySpec),
	)
	return nil
}

// Stop halts the cron loop and waits for running jobs up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop wait: %w", ctx.Err())
	}
}

func (s *Scheduler) scheduledRun() {
	if s.cfg.ScheduledUser == uuid.Nil {
		return
	}
	if !s.runBusy.CompareAndSwap(false, true) {
		s.logger.Warn("scheduled run skipped, previous run still active")
		return
	}
	defer s.runBusy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	key := fmt.Sprintf("scheduled-%s", s.clock.Now().UTC().Format("2006-01-02T15:04"))
	init, err := s.starter.InitializeRun(ctx, s.cfg.ScheduledUser, store.TriggerScheduled, key)
	if err != nil {
		var cooldown *run.CooldownError
		if errors.As(err, &cooldown) {
			s.logger.Warn("scheduled run rejected by safety cooldown",
				zap.String("class", cooldown.Class),
				zap.Duration("remaining", cooldown.Remaining),
			)
			return
		}
		s.logger.Error("scheduled run initialization failed", zap.Error(err))
		return
	}
	if init.Existing {
		return
	}
	if err := s.starter.ExecuteRun(ctx, init.Run.ID, init.Profiles, init.ResumeCursors); err != nil {
		s.logger.Warn("scheduled run execution failed",
			zap.String("run_id", init.Run.ID.String()), zap.Error(err))
	}
}

func (s *Scheduler) queueDrain() {
	if !s.drainBusy.CompareAndSwap(false, true) {
		return
	}
	defer s.drainBusy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	if err := s.drainer.Drain(ctx, s.cfg.DrainBatch, s.resumer); err != nil {
		s.logger.Error("continuation drain failed", zap.Error(err))
	}
}

// pdfSweep requeues failed PDF jobs past their cooldown window and runs one
// resolution batch over whatever is queued.
func (s *Scheduler) pdfSweep() {
	if !s.sweepBusy.CompareAndSwap(false, true) {
		return
	}
	defer s.sweepBusy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	olderThan := s.clock.Now().Add(-s.cfg.SweepCooldown)
	requeued, err := s.pdfJobs.Requeue(ctx, olderThan, s.cfg.SweepMaxAttempt)
	if err != nil {
		s.logger.Error("pdf job requeue failed", zap.Error(err))
		return
	}
	if requeued > 0 {
		s.logger.Info("requeued failed pdf jobs", zap.Int("count", requeued))
	}
	if err := s.resolver.ResolveBatch(ctx, s.cfg.ScheduledUser, s.cfg.ResolveLimit); err != nil {
		s.logger.Warn("sweeper resolution batch failed", zap.Error(err))
	}
}

func (s *Scheduler) runRecovery() {
	if !s.recoverBusy.CompareAndSwap(false, true) {
		return
	}
	defer s.recoverBusy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	if err := s.starter.RecoverStuckRuns(ctx); err != nil {
		s.logger.Error("stuck run recovery failed", zap.Error(err))
	}
}
