package run

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/metrics"
	"github.com/scholarwatch/scholarwatch/internal/scholar"
	"github.com/scholarwatch/scholarwatch/internal/store"
)

// Failure classes that can open the breaker.
const (
	classBlocked = "blocked"
	classNetwork = "network"
)

// CooldownError rejects a run start while the safety cooldown is active.
type CooldownError struct {
	Class     string
	Until     time.Time
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("safety cooldown active (%s) for another %ds", e.Class, int(e.Remaining.Seconds()))
}

// SafetyConfig holds the circuit-breaker thresholds. Each trigger class has
// its own cooldown duration.
type SafetyConfig struct {
	BlockedThreshold int
	NetworkThreshold int
	BlockedCooldown  time.Duration
	NetworkCooldown  time.Duration
	// AlertAfterRejections fires a one-shot alert once this many run starts
	// have been refused during one cooldown window.
	AlertAfterRejections int
}

func (c SafetyConfig) withDefaults() SafetyConfig {
	if c.BlockedThreshold <= 0 {
		c.BlockedThreshold = 2
	}
	if c.NetworkThreshold <= 0 {
		c.NetworkThreshold = 5
	}
	if c.BlockedCooldown <= 0 {
		c.BlockedCooldown = 24 * time.Hour
	}
	if c.NetworkCooldown <= 0 {
		c.NetworkCooldown = 2 * time.Hour
	}
	if c.AlertAfterRejections <= 0 {
		c.AlertAfterRejections = 3
	}
	return c
}

// SafetyPolicy is the circuit breaker over consecutive failure classes,
// gating whether a new run may start for a user. Expiry is checked lazily on
// the next gate call, never by a background timer.
type SafetyPolicy struct {
	states store.SafetyStore
	clock  scholar.Clock
	cfg    SafetyConfig
	logger *zap.Logger
}

// NewSafetyPolicy constructs a SafetyPolicy.
func NewSafetyPolicy(states store.SafetyStore, clock scholar.Clock, cfg SafetyConfig, logger *zap.Logger) *SafetyPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SafetyPolicy{states: states, clock: clock, cfg: cfg.withDefaults(), logger: logger}
}

// CheckStart gates a run start. An active cooldown yields a CooldownError
// carrying the remaining seconds and counts the rejection; an expired one is
// cleared in place.
func (p *SafetyPolicy) CheckStart(ctx context.Context, userID uuid.UUID) error {
	state, err := p.states.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load safety state: %w", err)
	}
	if state.CooldownUntil.IsZero() {
		return nil
	}
	now := p.clock.Now()
	if !now.Before(state.CooldownUntil) {
		if err := p.states.ClearCooldown(ctx, userID); err != nil {
			return fmt.Errorf("clear expired cooldown: %w", err)
		}
		return nil
	}

	state.Rejections++
	if state.Rejections >= p.cfg.AlertAfterRejections && !state.AlertSent {
		state.AlertSent = true
		p.logger.Warn("safety cooldown alert: repeated run starts rejected",
			zap.String("user_id", userID.String()),
			zap.String("class", state.TriggerClass),
			zap.Int("rejections", state.Rejections),
			zap.Time("cooldown_until", state.CooldownUntil),
		)
	}
	state.UpdatedAt = now
	if err := p.states.Put(ctx, state); err != nil {
		return fmt.Errorf("record cooldown rejection: %w", err)
	}
	metrics.ObserveCooldownRejection(state.TriggerClass)
	return &CooldownError{
		Class:     state.TriggerClass,
		Until:     state.CooldownUntil,
		Remaining: state.CooldownUntil.Sub(now),
	}
}

// ObserveRun feeds a completed run's failure buckets back into the breaker,
// opening a cooldown when either class threshold is crossed.
func (p *SafetyPolicy) ObserveRun(ctx context.Context, userID uuid.UUID, summary scholar.FailureSummary) error {
	var (
		class    string
		duration time.Duration
	)
	switch {
	case summary.Blocked >= p.cfg.BlockedThreshold:
		class, duration = classBlocked, p.cfg.BlockedCooldown
	case summary.Network >= p.cfg.NetworkThreshold:
		class, duration = classNetwork, p.cfg.NetworkCooldown
	default:
		return nil
	}
	now := p.clock.Now()
	state := store.SafetyState{
		UserID:        userID,
		TriggerClass:  class,
		CooldownUntil: now.Add(duration),
		UpdatedAt:     now,
	}
	if err := p.states.Put(ctx, state); err != nil {
		return fmt.Errorf("open safety cooldown: %w", err)
	}
	p.logger.Warn("safety cooldown opened",
		zap.String("user_id", userID.String()),
		zap.String("class", class),
		zap.Duration("duration", duration),
	)
	return nil
}

// Status exposes the current cooldown for settings reads, clearing it lazily
// when expired.
func (p *SafetyPolicy) Status(ctx context.Context, userID uuid.UUID) (store.SafetyState, error) {
	state, err := p.states.Get(ctx, userID)
	if err != nil {
		return store.SafetyState{}, err
	}
	if !state.CooldownUntil.IsZero() && !p.clock.Now().Before(state.CooldownUntil) {
		if err := p.states.ClearCooldown(ctx, userID); err != nil {
			return store.SafetyState{}, err
		}
		return store.SafetyState{UserID: userID}, nil
	}
	return state, nil
}
