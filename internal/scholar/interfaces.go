package scholar

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FetchSource fetches raw profile and author-search pages. The engine is
// agnostic to the transport behind it.
type FetchSource interface {
	// FetchProfilePage fetches one listing page of a profile at the given
	// cursor. Transport failures are reported inside FetchResult.Err so the
	// classifier can derive a network_error reason.
	FetchProfilePage(ctx context.Context, profileExternalID string, cursor, pageSize int) FetchResult

	// FetchAuthorSearch fetches one page of author-search results.
	FetchAuthorSearch(ctx context.Context, query string, start int) FetchResult
}

// Clock returns the current time (swapped for a fake in tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }
