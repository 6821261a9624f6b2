// Package progress defines the event structures emitted by the run
// orchestrator and the hub that fans them out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported run progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageProfileStart Stage = "PROFILE_START"
	StagePageFetched  Stage = "PAGE_FETCHED"
	StageProfileDone  Stage = "PROFILE_DONE"
	StageResolveStart Stage = "RESOLVE_START"
	StageResolveDone  Stage = "RESOLVE_DONE"
	StageRunDone      Stage = "RUN_DONE"
)

// Event captures a single run progress milestone.
type Event struct {
	// RunID identifies the crawl run the event belongs to.
	RunID uuid.UUID `json:"run_id"`
	TS    time.Time `json:"ts"`
	Stage Stage     `json:"stage"`
	// ProfileID scopes profile and page events.
	ProfileID string `json:"profile_id,omitempty"`
	// Cursor is the page offset for PAGE_FETCHED events.
	Cursor int `json:"cursor,omitempty"`
	// State carries the page or profile outcome label.
	State string `json:"state,omitempty"`
	// Extracted and NewPubs carry incremental counters.
	Extracted int `json:"extracted,omitempty"`
	NewPubs   int `json:"new_publications,omitempty"`
	// Note attaches low-volume context such as error text.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageResolveStart, StageResolveDone:
	case StageProfileStart, StageProfileDone, StagePageFetched:
		if e.ProfileID == "" {
			return fmt.Errorf("%s requires a profile id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
