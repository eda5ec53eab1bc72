// Package history provides storage for terminal workflow run records,
// used for diagnostics after a run has left the engine's active set.
package history

import (
	"errors"
	"time"
)

// Record is the durable trace of one workflow run.
type Record struct {
	RunID     string
	Workflow  string
	State     string // completed, failed, or timed_out
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// Store persists run records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores a record. Overwrites if the run ID already exists.
	Append(rec Record) error

	// Get retrieves one record.
	// Returns ErrNotFound if the run is unknown.
	Get(runID string) (Record, error)

	// ByWorkflow returns all records for a workflow, oldest first.
	// Returns an empty slice (not an error) if there are none.
	ByWorkflow(workflow string) ([]Record, error)

	// Delete removes a record. Returns nil if it doesn't exist.
	Delete(runID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for history operations.
var (
	// ErrNotFound indicates a run record doesn't exist.
	ErrNotFound = errors.New("history: record not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("history: store closed")
)
