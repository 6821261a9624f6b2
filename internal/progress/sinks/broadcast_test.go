package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarwatch/scholarwatch/internal/progress"
)

func event(runID uuid.UUID, stage progress.Stage) progress.Event {
	return progress.Event{RunID: runID, TS: time.Now(), Stage: stage}
}

func TestBroadcastRoutesByRunID(t *testing.T) {
	t.Parallel()
	b := NewBroadcast()
	runA, runB := uuid.New(), uuid.New()

	chA, cancelA := b.Subscribe(runA)
	defer cancelA()
	chB, cancelB := b.Subscribe(runB)
	defer cancelB()

	require.NoError(t, b.Consume(context.Background(), []progress.Event{
		event(runA, progress.StageRunStart),
		event(runB, progress.StageRunDone),
	}))

	got := <-chA
	assert.Equal(t, progress.StageRunStart, got.Stage)
	assert.Equal(t, runA, got.RunID)

	got = <-chB
	assert.Equal(t, progress.StageRunDone, got.Stage)

	select {
	case evt := <-chA:
		t.Fatalf("unexpected cross-run event %s", evt.Stage)
	default:
	}
}

func TestBroadcastFanOutToMultipleSubscribers(t *testing.T) {
	t.Parallel()
	b := NewBroadcast()
	runID := uuid.New()

	ch1, cancel1 := b.Subscribe(runID)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(runID)
	defer cancel2()

	require.NoError(t, b.Consume(context.Background(), []progress.Event{event(runID, progress.StageRunStart)}))
	assert.Equal(t, progress.StageRunStart, (<-ch1).Stage)
	assert.Equal(t, progress.StageRunStart, (<-ch2).Stage)
}

func TestBroadcastCancelledSubscriberStopsReceiving(t *testing.T) {
	t.Parallel()
	b := NewBroadcast()
	runID := uuid.New()

	ch, cancel := b.Subscribe(runID)
	cancel()

	require.NoError(t, b.Consume(context.Background(), []progress.Event{event(runID, progress.StageRunStart)}))
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("received %s after cancel", evt.Stage)
		}
	default:
	}
}

func TestBroadcastSlowSubscriberMissesInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := NewBroadcast()
	runID := uuid.New()

	ch, cancel := b.Subscribe(runID)
	defer cancel()

	// Overfill the subscriber buffer; Consume must not block.
	batch := make([]progress.Event, 0, 100)
	for i := 0; i < 100; i++ {
		batch = append(batch, event(runID, progress.StagePageFetched))
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Consume(context.Background(), batch)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume blocked on a full subscriber channel")
	}
	assert.Len(t, ch, 64, "buffer holds the first events, the rest are missed")
}

func TestBroadcastCloseClosesSubscriberChannels(t *testing.T) {
	t.Parallel()
	b := NewBroadcast()
	ch, _ := b.Subscribe(uuid.New())

	require.NoError(t, b.Close(context.Background()))
	_, ok := <-ch
	assert.False(t, ok)
}
