// Package jobstatus tracks the progress of on-demand snapshot jobs in a
// short-TTL key/value store.
package jobstatus

import (
	"context"
	"time"
)

// State is the lifecycle state of a job: running → completed | failed.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateIdle      State = "idle"
)

// Status is the externally visible progress of one job.
type Status struct {
	JobID          string     `json:"job_id"`
	State          State      `json:"state"`
	TotalSteps     int        `json:"total_steps"`
	CompletedSteps int        `json:"completed_steps"`
	Percent        int        `json:"percent"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LastSlot       *time.Time `json:"last_slot,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Store is the narrow persistence boundary for job progress. Either the
// in-process map or the badger backend can be swapped in.
type Store interface {
	// Put writes a status snapshot under its job id.
	Put(ctx context.Context, st Status) error

	// Get returns the status for a job id, or nil when unknown/expired.
	Get(ctx context.Context, jobID string) (*Status, error)

	// PutLatest points latest_job_id at the given job.
	PutLatest(ctx context.Context, jobID string) error

	// GetLatest returns the most recently started job id, or "" when none.
	GetLatest(ctx context.Context) (string, error)

	// Close cleanly shuts down the store.
	Close() error
}
