package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowIsUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	require.NotNil(t, clk)
	assert.Equal(t, time.UTC, clk.Now().Location())
}

func TestNowTracksWallClock(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	assert.False(t, got.Before(before), "clock lags wall time: %v < %v", got, before)
	assert.False(t, got.After(after), "clock ahead of wall time: %v > %v", got, after)
}

func TestNowIsNonDecreasing(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	assert.False(t, second.Before(first))
}
