// Package events defines the collection lifecycle events and the hub that
// fans them out to the configured sinks.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes which lifecycle milestone an Event represents.
type Stage string

// Supported lifecycle stages.
const (
	StageStarted   Stage = "COLLECTION_STARTED"
	StageCompleted Stage = "COLLECTION_COMPLETED"
	StageError     Stage = "COLLECTION_ERROR"
)

// Event captures a single collection lifecycle milestone.
type Event struct {
	// SourceID identifies the data source being collected.
	SourceID string `json:"source_id"`
	// RunID identifies the ledger entry for this attempt.
	RunID string `json:"run_id"`
	// Stage denotes the milestone.
	Stage Stage `json:"stage"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Status is the run ledger status, set on completion.
	Status string `json:"status,omitempty"`
	// Message carries low-volume context (e.g. error text).
	Message string `json:"message,omitempty"`
	// ItemCount is the number of records scraped, set on completion.
	ItemCount int `json:"item_count,omitempty"`
	// SavedCount is the number of records persisted, set on completion.
	SavedCount int `json:"saved_count,omitempty"`
	// Dur captures execution latency for completed and failed runs.
	Dur time.Duration `json:"duration,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SourceID == "" {
		return errors.New("source id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageStarted:
	case StageCompleted, StageError:
		if e.RunID == "" {
			return fmt.Errorf("%s requires run id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
