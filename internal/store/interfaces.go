package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProfileStore persists tracked author profiles.
type ProfileStore interface {
	// ListEnabled returns the enabled profiles for a user in creation order.
	ListEnabled(ctx context.Context, userID uuid.UUID) ([]Profile, error)
	Get(ctx context.Context, id uuid.UUID) (Profile, error)
	// RecordCrawl updates last status/time and, when fingerprint is
	// non-empty, the stored first-page fingerprint.
	RecordCrawl(ctx context.Context, id uuid.UUID, status string, fingerprint string, at time.Time) error
	// MarkBaselineDone flips the baseline-completed flag.
	MarkBaselineDone(ctx context.Context, id uuid.UUID) error
}

// UpsertResult reports what an ingest upsert did with one candidate.
type UpsertResult struct {
	PublicationID uuid.UUID
	Created       bool
}

// PublicationStore persists deduplicated works.
type PublicationStore interface {
	// Upsert resolves the candidate to an existing row by cluster id first,
	// then by fingerprint hash, inserting when neither matches. Existing
	// titles are never downgraded to a shorter variant.
	Upsert(ctx context.Context, pub Publication) (UpsertResult, error)
	Get(ctx context.Context, id uuid.UUID) (Publication, error)
	// ListUnresolved returns publications without a PDF URL for a user.
	ListUnresolved(ctx context.Context, userID uuid.UUID, limit int) ([]Publication, error)
	// SetPdfURL records a resolved open-access link.
	SetPdfURL(ctx context.Context, id uuid.UUID, pdfURL string) error
}

// IdentifierStore persists per-publication canonical identifiers.
type IdentifierStore interface {
	// Upsert inserts the identifier or, when (publication, kind, normalized)
	// already exists, overwrites source/evidence if the new confidence is
	// strictly higher.
	Upsert(ctx context.Context, ident PublicationIdentifier) error
	ListByPublication(ctx context.Context, publicationID uuid.UUID) ([]PublicationIdentifier, error)
}

// RunStore persists crawl runs and their aggregate logs.
type RunStore interface {
	Create(ctx context.Context, run CrawlRun) error
	Get(ctx context.Context, id uuid.UUID) (CrawlRun, error)
	// GetByIdempotencyKey looks up a prior run for (user, key); ErrNotFound
	// when none exists.
	GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (CrawlRun, error)
	// UpdateStatus moves the run to the given status, stamping finished_at
	// for terminal statuses.
	UpdateStatus(ctx context.Context, id uuid.UUID, status RunStatus, finishedAt *time.Time) error
	// SaveLog writes the aggregate log and counters.
	SaveLog(ctx context.Context, id uuid.UUID, log RunLog, scholarCount, newPubCount int) error
	// ListStuckResolving returns runs left in RESOLVING longer than the
	// given age, for the recovery pass.
	ListStuckResolving(ctx context.Context, olderThan time.Time) ([]CrawlRun, error)
}

// QueueStore persists continuation items.
type QueueStore interface {
	// Upsert inserts or refreshes the (user, profile) item; re-running the
	// same reason is idempotent. An existing retrying item keeps its status
	// so the drain loop that claimed it retains the reschedule decision.
	Upsert(ctx context.Context, item QueueItem) error
	Get(ctx context.Context, id uuid.UUID) (QueueItem, error)
	List(ctx context.Context, userID uuid.UUID) ([]QueueItem, error)
	// ClaimDue atomically moves due queued items to retrying and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]QueueItem, error)
	// Reschedule returns a retrying item to queued with a new attempt time.
	Reschedule(ctx context.Context, id uuid.UUID, nextAttempt time.Time, attempts int, lastErr string) error
	// Drop marks the item dropped; terminal until cleared.
	Drop(ctx context.Context, id uuid.UUID, reason string) error
	// Clear deletes a dropped item; ErrWrongState for any other status.
	Clear(ctx context.Context, id uuid.UUID) error
	// Resolve deletes the (user, profile) item after a clean run.
	Resolve(ctx context.Context, userID, profileID uuid.UUID) error
}

// PdfJobStore persists PDF resolution jobs.
type PdfJobStore interface {
	// Ensure creates a queued job for the publication if none exists.
	Ensure(ctx context.Context, publicationID uuid.UUID, requestedBy string) error
	// ClaimQueued moves up to limit queued jobs past their cooldown into
	// running and returns them.
	ClaimQueued(ctx context.Context, now time.Time, limit int) ([]PdfJob, error)
	MarkResolved(ctx context.Context, id uuid.UUID, source string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason, detail string) error
	// Requeue returns failed jobs whose cooldown window has elapsed to
	// queued; used by the background sweeper.
	Requeue(ctx context.Context, olderThan time.Time, maxAttempts int) (int, error)
}

// ThrottleStore guards shared external-dependency cooldown rows. Implementations
// must serialize ReadModifyWrite across processes (advisory locks in Postgres).
type ThrottleStore interface {
	// ReadModifyWrite loads the named row under an exclusive cross-process
	// lock, applies fn, and persists the returned state. fn receives the
	// zero value when the row does not exist yet.
	ReadModifyWrite(ctx context.Context, name string, fn func(ThrottleState) (ThrottleState, error)) (ThrottleState, error)
}

// SafetyStore persists the per-user circuit breaker state.
type SafetyStore interface {
	// Get returns the user's safety row, or the zero value when none exists.
	Get(ctx context.Context, userID uuid.UUID) (SafetyState, error)
	Put(ctx context.Context, state SafetyState) error
	// ClearCooldown resets the breaker for the user.
	ClearCooldown(ctx context.Context, userID uuid.UUID) error
}

// RunLocker acquires the per-user exclusive run lock. The lock is tied to the
// surrounding transaction so a process crash can never leak it.
type RunLocker interface {
	// WithUserLock runs fn inside a transaction holding the user's advisory
	// lock; ErrRunInProgress when the lock is already held elsewhere.
	WithUserLock(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context) error) error
}
