package resolve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/scholarwatch/scholarwatch/internal/scholar"
)

func TestGate_AllowClaimsSlot(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	clock := scholar.ClockFunc(func() time.Time { return now })
	ts := newFakeThrottleStore()
	g := NewGate(ThrottleArxiv, GateConfig{
		MinInterval: 3 * time.Second,
		LocalRate:   rate.Inf,
	}, ts, clock)

	ok, err := g.Allow(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	// The shared row now blocks until the interval passes.
	ok, err = g.Allow(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(3 * time.Second)
	ok, err = g.Allow(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGate_TripCooldownBlocksUntilExpiry(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	clock := scholar.ClockFunc(func() time.Time { return now })
	g := NewGate(ThrottleArxiv, GateConfig{
		MinInterval: time.Second,
		Cooldown:    10 * time.Minute,
		LocalRate:   rate.Inf,
	}, newFakeThrottleStore(), clock)

	require.NoError(t, g.TripCooldown(context.Background()))

	cooling, until, err := g.CoolingDown(context.Background())
	require.NoError(t, err)
	assert.True(t, cooling)
	assert.Equal(t, now.Add(10*time.Minute), until)

	ok, err := g.Allow(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(10*time.Minute + time.Second)
	ok, err = g.Allow(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
