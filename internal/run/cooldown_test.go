package run

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/scholar"
	"github.com/scholarwatch/scholarwatch/internal/store"
)

type movableClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *movableClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

type memSafety struct {
	mu     sync.Mutex
	states map[uuid.UUID]store.SafetyState
}

func newMemSafety() *memSafety {
	return &memSafety{states: map[uuid.UUID]store.SafetyState{}}
}

func (m *memSafety) Get(_ context.Context, userID uuid.UUID) (store.SafetyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[userID]
	if !ok {
		return store.SafetyState{UserID: userID}, nil
	}
	return state, nil
}

func (m *memSafety) Put(_ context.Context, state store.SafetyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.UserID] = state
	return nil
}

func (m *memSafety) ClearCooldown(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, userID)
	return nil
}

func newTestPolicy(cfg SafetyConfig) (*SafetyPolicy, *memSafety, *movableClock) {
	states := newMemSafety()
	clock := &movableClock{at: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	return NewSafetyPolicy(states, clock, cfg, zap.NewNop()), states, clock
}

func TestCheckStartPassesWithoutCooldown(t *testing.T) {
	t.Parallel()
	policy, _, _ := newTestPolicy(SafetyConfig{})
	assert.NoError(t, policy.CheckStart(context.Background(), uuid.New()))
}

func TestObserveRunOpensBlockedCooldownAtThreshold(t *testing.T) {
	t.Parallel()
	policy, _, clock := newTestPolicy(SafetyConfig{
		BlockedThreshold: 1,
		BlockedCooldown:  24 * time.Hour,
	})
	userID := uuid.New()

	require.NoError(t, policy.ObserveRun(context.Background(), userID, scholar.FailureSummary{Blocked: 1}))

	err := policy.CheckStart(context.Background(), userID)
	var cooldown *CooldownError
	require.ErrorAs(t, err, &cooldown)
	assert.Equal(t, "blocked", cooldown.Class)
	assert.Equal(t, clock.Now().Add(24*time.Hour), cooldown.Until)
	assert.Equal(t, 24*time.Hour, cooldown.Remaining)
}

func TestObserveRunBelowThresholdStaysClosed(t *testing.T) {
	t.Parallel()
	policy, _, _ := newTestPolicy(SafetyConfig{BlockedThreshold: 2, NetworkThreshold: 5})
	userID := uuid.New()

	require.NoError(t, policy.ObserveRun(context.Background(), userID, scholar.FailureSummary{Blocked: 1, Network: 4}))
	assert.NoError(t, policy.CheckStart(context.Background(), userID))
}

func TestObserveRunNetworkThresholdUsesNetworkCooldown(t *testing.T) {
	t.Parallel()
	policy, _, _ := newTestPolicy(SafetyConfig{
		NetworkThreshold: 3,
		NetworkCooldown:  2 * time.Hour,
	})
	userID := uuid.New()

	require.NoError(t, policy.ObserveRun(context.Background(), userID, scholar.FailureSummary{Network: 3}))

	err := policy.CheckStart(context.Background(), userID)
	var cooldown *CooldownError
	require.ErrorAs(t, err, &cooldown)
	assert.Equal(t, "network", cooldown.Class)
	assert.Equal(t, 2*time.Hour, cooldown.Remaining)
}

func TestBlockedClassWinsWhenBothThresholdsCross(t *testing.T) {
	t.Parallel()
	policy, _, _ := newTestPolicy(SafetyConfig{
		BlockedThreshold: 1,
		NetworkThreshold: 1,
		BlockedCooldown:  24 * time.Hour,
		NetworkCooldown:  2 * time.Hour,
	})
	userID := uuid.New()

	require.NoError(t, policy.ObserveRun(context.Background(), userID, scholar.FailureSummary{Blocked: 2, Network: 2}))

	var cooldown *CooldownError
	require.ErrorAs(t, policy.CheckStart(context.Background(), userID), &cooldown)
	assert.Equal(t, "blocked", cooldown.Class)
}

func TestCheckStartClearsExpiredCooldownLazily(t *testing.T) {
	t.Parallel()
	policy, states, clock := newTestPolicy(SafetyConfig{
		BlockedThreshold: 1,
		BlockedCooldown:  time.Hour,
	})
	userID := uuid.New()
	require.NoError(t, policy.ObserveRun(context.Background(), userID, scholar.FailureSummary{Blocked: 1}))

	clock.advance(time.Hour)
	assert.NoError(t, policy.CheckStart(context.Background(), userID))

	state, err := states.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, state.CooldownUntil.IsZero(), "expired cooldown row is cleared")
}

func TestCheckStartCountsRejectionsAndAlertsOnce(t *testing.T) {
	t.Parallel()
	policy, states, _ := newTestPolicy(SafetyConfig{
		BlockedThreshold:     1,
		BlockedCooldown:      24 * time.Hour,
		AlertAfterRejections: 2,
	})
	userID := uuid.New()
	require.NoError(t, policy.ObserveRun(context.Background(), userID, scholar.FailureSummary{Blocked: 1}))

	for i := 0; i < 3; i++ {
		var cooldown *CooldownError
		require.ErrorAs(t, policy.CheckStart(context.Background(), userID), &cooldown)
	}

	state, err := states.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 3, state.Rejections)
	assert.True(t, state.AlertSent)
}

func TestCooldownRemainingShrinksOverTime(t *testing.T) {
	t.Parallel()
	policy, _, clock := newTestPolicy(SafetyConfig{
		BlockedThreshold: 1,
		BlockedCooldown:  time.Hour,
	})
	userID := uuid.New()
	require.NoError(t, policy.ObserveRun(context.Background(), userID, scholar.FailureSummary{Blocked: 1}))

	clock.advance(45 * time.Minute)
	var cooldown *CooldownError
	require.ErrorAs(t, policy.CheckStart(context.Background(), userID), &cooldown)
	assert.Equal(t, 15*time.Minute, cooldown.Remaining)
}

func TestStatusReportsAndLazilyClears(t *testing.T) {
	t.Parallel()
	policy, _, clock := newTestPolicy(SafetyConfig{
		BlockedThreshold: 1,
		BlockedCooldown:  time.Hour,
	})
	userID := uuid.New()
	require.NoError(t, policy.ObserveRun(context.Background(), userID, scholar.FailureSummary{Blocked: 1}))

	state, err := policy.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "blocked", state.TriggerClass)
	assert.False(t, state.CooldownUntil.IsZero())

	clock.advance(2 * time.Hour)
	state, err = policy.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, state.CooldownUntil.IsZero())
}
