package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func validEvent(stage Stage) Event {
	return Event{RunID: uuid.New(), TS: time.Now(), Stage: stage}
}

func TestEventValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"run start", validEvent(StageRunStart), false},
		{"run done", validEvent(StageRunDone), false},
		{"missing run id", Event{TS: time.Now(), Stage: StageRunStart}, true},
		{"missing timestamp", Event{RunID: uuid.New(), Stage: StageRunStart}, true},
		{"unknown stage", Event{RunID: uuid.New(), TS: time.Now(), Stage: "SOMETHING"}, true},
		{"profile stage without profile id", Event{RunID: uuid.New(), TS: time.Now(), Stage: StageProfileStart}, true},
		{
			"page fetched with profile id",
			Event{RunID: uuid.New(), TS: time.Now(), Stage: StagePageFetched, ProfileID: "p1", Cursor: 20},
			false,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHubFlushesOnBatchSize(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchEvents: 3, MaxBatchWait: time.Hour}, sink)
	defer hub.Close(context.Background())

	for i := 0; i < 3; i++ {
		hub.Emit(validEvent(StageRunStart))
	}
	require.Eventually(t, func() bool { return sink.total() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubFlushesOnTimer(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchEvents: 1000, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer hub.Close(context.Background())

	hub.Emit(validEvent(StageRunStart))
	require.Eventually(t, func() bool { return sink.total() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(Event{Stage: StageRunStart})
	hub.Emit(Event{RunID: uuid.New(), TS: time.Now(), Stage: "BOGUS"})
	require.NoError(t, hub.Close(context.Background()))
	assert.Zero(t, sink.total())
}

func TestHubCloseDrainsPendingEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchEvents: 1000, MaxBatchWait: time.Hour}, sink)

	for i := 0; i < 10; i++ {
		hub.Emit(validEvent(StageRunDone))
	}
	require.NoError(t, hub.Close(context.Background()))
	assert.Equal(t, 10, sink.total())
	assert.True(t, sink.closed)
}

func TestHubEmitAfterCloseIsNoop(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(validEvent(StageRunStart))
	assert.Zero(t, sink.total())
}

func TestHubNeverBlocksUnderBackpressure(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{BufferSize: 1, MaxBatchEvents: 1000, MaxBatchWait: time.Hour}, sink)
	defer hub.Close(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			hub.Emit(validEvent(StageRunStart))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emit blocked under backpressure")
	}
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()
	var hub *Hub
	hub.Emit(validEvent(StageRunStart))
	assert.NoError(t, hub.Close(context.Background()))
}
