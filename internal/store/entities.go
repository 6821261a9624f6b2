// Package store declares the persisted entities and repository interfaces
// backing the ingestion engine.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/scholarwatch/scholarwatch/internal/scholar"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrRunInProgress is returned when the per-user run lock is already held.
var ErrRunInProgress = errors.New("a run is already in progress for this user")

// ErrWrongState is returned when a lifecycle transition is requested from a
// state that does not permit it.
var ErrWrongState = errors.New("record is in the wrong state for this transition")

// Profile is one tracked author page.
type Profile struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	ExternalID string
	Name       string
	Enabled    bool
	// BaselineDone is set after the first complete crawl of the profile.
	BaselineDone bool
	// LastStatus and LastCrawledAt record the most recent crawl attempt.
	LastStatus    string
	LastCrawledAt *time.Time
	// FirstPageFingerprint is the content fingerprint of the most recently
	// parsed first page; used for the no-change short circuit.
	FirstPageFingerprint string
	CreatedAt            time.Time
}

// Publication is one deduplicated work.
type Publication struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Fingerprint     string
	ClusterID       string
	Title           string
	NormalizedTitle string
	Year            int
	CitationCount   int
	AuthorText      string
	VenueText       string
	PublicURL       string
	PdfURL          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IdentifierKind enumerates supported canonical identifier schemes.
type IdentifierKind string

// Identifier kinds in display-priority order.
const (
	KindDOI   IdentifierKind = "doi"
	KindArxiv IdentifierKind = "arxiv"
	KindPMCID IdentifierKind = "pmcid"
	KindPMID  IdentifierKind = "pmid"
)

// PublicationIdentifier is one resolved identifier for a publication.
// Unique on (PublicationID, Kind, NormalizedValue).
type PublicationIdentifier struct {
	ID              uuid.UUID
	PublicationID   uuid.UUID
	Kind            IdentifierKind
	RawValue        string
	NormalizedValue string
	Source          string
	Confidence      float64
	EvidenceURL     string
	CreatedAt       time.Time
}

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

// Run statuses; RUNNING and RESOLVING are the only non-terminal states.
const (
	RunRunning        RunStatus = "RUNNING"
	RunResolving      RunStatus = "RESOLVING"
	RunSuccess        RunStatus = "SUCCESS"
	RunPartialFailure RunStatus = "PARTIAL_FAILURE"
	RunFailed         RunStatus = "FAILED"
	RunCanceled       RunStatus = "CANCELED"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunPartialFailure, RunFailed, RunCanceled:
		return true
	}
	return false
}

// TriggerType records what initiated a run.
type TriggerType string

// Run triggers.
const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
)

// RunLog is the JSONB aggregate stored on each run.
type RunLog struct {
	Profiles []scholar.ProfileOutcome `json:"profiles"`
	Summary  scholar.FailureSummary   `json:"summary"`
}

// MarshalLog serializes the aggregate for the JSONB column.
func (l RunLog) MarshalLog() ([]byte, error) {
	return json.Marshal(l)
}

// CrawlRun is one orchestration attempt for one user.
type CrawlRun struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Trigger        TriggerType
	Status         RunStatus
	ScholarCount   int
	NewPubCount    int
	Log            RunLog
	IdempotencyKey string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// QueueStatus is the lifecycle state of a continuation item.
type QueueStatus string

// Continuation queue statuses.
const (
	QueueQueued   QueueStatus = "queued"
	QueueRetrying QueueStatus = "retrying"
	QueueDropped  QueueStatus = "dropped"
)

// QueueItem is one durable continuation job per (user, profile).
type QueueItem struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	ProfileID     uuid.UUID
	Status        QueueStatus
	ResumeCursor  int
	Attempts      int
	NextAttemptAt time.Time
	Reason        string
	LastError     string
	LastRunID     uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PdfJobStatus is the lifecycle state of a PDF resolution job.
type PdfJobStatus string

// PDF job statuses.
const (
	PdfUntracked PdfJobStatus = "untracked"
	PdfQueued    PdfJobStatus = "queued"
	PdfRunning   PdfJobStatus = "running"
	PdfResolved  PdfJobStatus = "resolved"
	PdfFailed    PdfJobStatus = "failed"
)

// PdfJob drives PDF resolution retries independently of the crawl lifecycle.
type PdfJob struct {
	ID            uuid.UUID
	PublicationID uuid.UUID
	Status        PdfJobStatus
	Attempts      int
	FailureReason string
	FailureDetail string
	LastSource    string
	RequestedBy   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SafetyState is the per-user circuit-breaker row consulted before any run
// may start.
type SafetyState struct {
	UserID uuid.UUID
	// TriggerClass records which failure class opened the breaker
	// ("blocked" or "network").
	TriggerClass  string
	CooldownUntil time.Time
	// Rejections counts run-start attempts refused while the cooldown was
	// active; past the alert threshold a one-shot alert fires.
	Rejections int
	AlertSent  bool
	UpdatedAt  time.Time
}

// ThrottleState is the shared cross-process cooldown row for one external
// dependency (arXiv, author search). Read-modify-written under an advisory
// lock so multiple worker processes serialize correctly.
type ThrottleState struct {
	Name          string
	NextAllowedAt time.Time
	CooldownUntil time.Time
	UpdatedAt     time.Time
}
