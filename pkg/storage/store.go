package storage

import (
	"time"

	"github.com/cuemby/taskworker/pkg/types"
)

// ClaimRecord is the journal entry for a task this worker has claimed but
// not yet resolved
type ClaimRecord struct {
	TaskID     string    `json:"task_id"`
	RunID      int       `json:"run_id"`
	Phase      string    `json:"phase"`
	ClaimedAt  time.Time `json:"claimed_at"`
	TakenUntil time.Time `json:"taken_until"`
}

// Resolution is a finished cycle kept for the history command
type Resolution struct {
	TaskID     string       `json:"task_id"`
	RunID      int          `json:"run_id"`
	Status     types.Status `json:"status"`
	ClaimedAt  time.Time    `json:"claimed_at"`
	ResolvedAt time.Time    `json:"resolved_at"`
	Error      string       `json:"error,omitempty"`
}

// Store defines the interface for the worker's local journal
type Store interface {
	// Claims
	RecordClaim(claim *ClaimRecord) error
	SetClaimPhase(taskID string, runID int, phase string) error
	ListClaims() ([]*ClaimRecord, error)
	DeleteClaim(taskID string, runID int) error

	// History
	RecordResolution(resolution *Resolution) error
	ListResolutions(limit int) ([]*Resolution, error)

	// Utility
	Close() error
}
