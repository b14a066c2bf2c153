package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusPaused    = "paused"
	RunStatusStopped   = "stopped"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is one bulk-analysis execution spanning many jobs.
// QueuedCount holds the jobs not yet terminal (queued or running).
// Counters are always recomputed from job rows, never incremented in place.
type Run struct {
	ID              uuid.UUID  `db:"id"               json:"id"`
	OwnerID         uuid.UUID  `db:"owner_id"         json:"owner_id"`
	TargetID        string     `db:"target_id"        json:"target_id"`
	ConfigurationID string     `db:"configuration_id" json:"configuration_id,omitempty"`
	PromptTemplate  string     `db:"prompt_template"  json:"-"`
	Status          string     `db:"status"           json:"status"`
	TotalUnits      int        `db:"total_units"      json:"total_units"`
	QueuedCount     int        `db:"queued_count"     json:"queued_count"`
	SucceededCount  int        `db:"succeeded_count"  json:"succeeded_count"`
	FailedCount     int        `db:"failed_count"     json:"failed_count"`
	SkippedCount    int        `db:"skipped_count"    json:"skipped_count"`
	MaxConcurrency  int        `db:"max_concurrency"  json:"max_concurrency"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
	StartedAt       *time.Time `db:"started_at"       json:"started_at,omitempty"`
	FinishedAt      *time.Time `db:"finished_at"      json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `db:"updated_at"       json:"updated_at"`
}

// IsActive reports whether the run still counts against the one-active-run rule.
func (r *Run) IsActive() bool {
	return IsActiveRunStatus(r.Status)
}

// IsTerminal reports whether the run can no longer change state.
func (r *Run) IsTerminal() bool {
	return !IsActiveRunStatus(r.Status)
}

// CompletedCount is the number of jobs that reached a terminal state.
func (r *Run) CompletedCount() int {
	return r.SucceededCount + r.FailedCount + r.SkippedCount
}

func IsActiveRunStatus(status string) bool {
	switch status {
	case RunStatusQueued, RunStatusRunning, RunStatusPaused:
		return true
	}
	return false
}

// IsClaimableRunStatus reports whether jobs of a run in this status may be claimed.
func IsClaimableRunStatus(status string) bool {
	return status == RunStatusQueued || status == RunStatusRunning
}
