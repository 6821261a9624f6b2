// Package contqueue manages durable continuation items: where a previous,
// incomplete crawl attempt should resume, with its own backoff/attempt/drop
// lifecycle.
package contqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/metrics"
	"github.com/scholarwatch/scholarwatch/internal/scholar"
	"github.com/scholarwatch/scholarwatch/internal/store"
)

// Config controls scheduling of continuation retries.
type Config struct {
	// InitialDelay spaces the first resume attempt away from the run that
	// created the item.
	InitialDelay time.Duration
	// BackoffBase grows exponentially with the attempt count, capped at
	// BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 15 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 10 * time.Minute
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 6 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Resumer re-runs the paginated crawl for one continuation item. It reports
// whether the crawl completed without leaving a new truncation.
type Resumer interface {
	Resume(ctx context.Context, item store.QueueItem) (complete bool, err error)
}

// Service owns the continuation queue lifecycle.
type Service struct {
	queue    store.QueueStore
	profiles store.ProfileStore
	clock    scholar.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Service.
func New(queue store.QueueStore, profiles store.ProfileStore, clock scholar.Clock, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		queue:    queue,
		profiles: profiles,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// RecordTruncation upserts the (user, profile) continuation after a truncated
// profile outcome. Re-recording the same reason is idempotent.
func (s *Service) RecordTruncation(
	ctx context.Context,
	userID, profileID, runID uuid.UUID,
	cursor int,
	reason string,
	lastErr string,
) error {
	item := store.QueueItem{
		UserID:        userID,
		ProfileID:     profileID,
		Status:        store.QueueQueued,
		ResumeCursor:  cursor,
		NextAttemptAt: s.clock.Now().Add(s.cfg.InitialDelay),
		Reason:        reason,
		LastError:     lastErr,
		LastRunID:     runID,
	}
	if err := s.queue.Upsert(ctx, item); err != nil {
		return fmt.Errorf("upsert continuation: %w", err)
	}
	metrics.ObserveQueueTransition(string(store.QueueQueued))
	return nil
}

// RecordClean removes any continuation for the profile after a run that
// completed without the truncation condition that created it.
func (s *Service) RecordClean(ctx context.Context, userID, profileID uuid.UUID) error {
	if err := s.queue.Resolve(ctx, userID, profileID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve continuation: %w", err)
	}
	return nil
}

// Drain claims due items and resumes each one: rescheduling with capped
// exponential backoff on failure, dropping at the attempt ceiling or when the
// target profile is no longer eligible, deleting on clean completion.
func (s *Service) Drain(ctx context.Context, limit int, resumer Resumer) error {
	items, err := s.queue.ClaimDue(ctx, s.clock.Now(), limit)
	if err != nil {
		return fmt.Errorf("claim due continuations: %w", err)
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.drainOne(ctx, item, resumer)
	}
	return nil
}

func (s *Service) drainOne(ctx context.Context, item store.QueueItem, resumer Resumer) {
	profile, err := s.profiles.Get(ctx, item.ProfileID)
	if err != nil || !profile.Enabled {
		s.drop(ctx, item.ID, "profile no longer eligible")
		return
	}

	complete, err := resumer.Resume(ctx, item)
	if err == nil && complete {
		if rerr := s.queue.Resolve(ctx, item.UserID, item.ProfileID); rerr != nil && !errors.Is(rerr, store.ErrNotFound) {
			s.logger.Error("resolve drained continuation failed",
				zap.String("item_id", item.ID.String()), zap.Error(rerr))
			return
		}
		metrics.ObserveQueueTransition("resolved")
		return
	}

	attempts := item.Attempts + 1
	if attempts >= s.cfg.MaxAttempts {
		s.drop(ctx, item.ID, "attempt ceiling reached")
		return
	}
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
	}
	next := s.clock.Now().Add(s.backoff(attempts))
	if rerr := s.queue.Reschedule(ctx, item.ID, next, attempts, lastErr); rerr != nil {
		s.logger.Error("reschedule continuation failed",
			zap.String("item_id", item.ID.String()), zap.Error(rerr))
		return
	}
	metrics.ObserveQueueTransition(string(store.QueueQueued))
}

func (s *Service) drop(ctx context.Context, id uuid.UUID, reason string) {
	if err := s.queue.Drop(ctx, id, reason); err != nil {
		s.logger.Error("drop continuation failed", zap.String("item_id", id.String()), zap.Error(err))
		return
	}
	metrics.ObserveQueueTransition(string(store.QueueDropped))
}

func (s *Service) backoff(attempts int) time.Duration {
	d := s.cfg.BackoffBase << (attempts - 1)
	if d > s.cfg.BackoffCap || d <= 0 {
		d = s.cfg.BackoffCap
	}
	return d
}

// List returns a user's continuation items.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]store.QueueItem, error) {
	return s.queue.List(ctx, userID)
}

// Retry rejects direct retries: queued and retrying items are already owned
// by the drain loop, and a dropped item is terminal until cleared.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) error {
	item, err := s.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	switch item.Status {
	case store.QueueDropped:
		return fmt.Errorf("dropped item can only be cleared: %w", store.ErrWrongState)
	default:
		return fmt.Errorf("item is %s: %w", item.Status, store.ErrWrongState)
	}
}

// DropItem marks a queued or retrying item dropped by operator request.
func (s *Service) DropItem(ctx context.Context, id uuid.UUID) error {
	item, err := s.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == store.QueueDropped {
		return fmt.Errorf("item already dropped: %w", store.ErrWrongState)
	}
	return s.queue.Drop(ctx, id, "dropped by operator")
}

// Clear deletes a dropped item. Only dropped items are clearable.
func (s *Service) Clear(ctx context.Context, id uuid.UUID) error {
	return s.queue.Clear(ctx, id)
}
