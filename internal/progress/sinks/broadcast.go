package sinks

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/scholarwatch/scholarwatch/internal/progress"
)

// Broadcast fans progress events out to per-run subscriber channels, backing
// the server-sent progress stream. Slow subscribers miss events rather than
// stalling the hub.
type Broadcast struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan progress.Event]struct{}
}

// NewBroadcast constructs a Broadcast sink.
func NewBroadcast() *Broadcast {
	return &Broadcast{subs: make(map[uuid.UUID]map[chan progress.Event]struct{})}
}

// Subscribe registers a buffered channel for one run's events. The returned
// cancel function must be called when the subscriber disconnects.
func (b *Broadcast) Subscribe(runID uuid.UUID) (<-chan progress.Event, func()) {
	ch := make(chan progress.Event, 64)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan progress.Event]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[runID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Consume implements progress.Sink.
func (b *Broadcast) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		for ch := range b.subs[evt.RunID] {
			select {
			case ch <- evt:
			default:
			}
		}
	}
	return nil
}

// Close implements progress.Sink.
func (b *Broadcast) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for runID, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, runID)
	}
	return nil
}
