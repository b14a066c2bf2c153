package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusSkipped   = "skipped"
)

// Job is one unit of work: scoring one piece of content under one run.
// Status is running exactly when LockOwner and LockedAt are set.
// AttemptCount counts failed attempts and never decreases. BadOutputCount is
// the subset of those attempts that ended in unparseable model output.
type Job struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	RunID        uuid.UUID  `db:"run_id"        json:"run_id"`
	ContentRef   string     `db:"content_ref"   json:"content_ref"`
	Status       string     `db:"status"        json:"status"`
	AttemptCount int        `db:"attempt_count" json:"attempt_count"`
	BadOutputs   int        `db:"bad_output_count" json:"bad_output_count"`
	LockOwner    *string    `db:"lock_owner"    json:"lock_owner,omitempty"`
	LockedAt     *time.Time `db:"locked_at"     json:"locked_at,omitempty"`
	LastError    *string    `db:"last_error"    json:"last_error,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
	FinishedAt   *time.Time `db:"finished_at"   json:"finished_at,omitempty"`
}

// IsTerminal reports whether the job will never be claimed again.
func (j *Job) IsTerminal() bool {
	return IsTerminalJobStatus(j.Status)
}

func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusSkipped:
		return true
	}
	return false
}

// JobError is a recorded per-job failure surfaced by run status.
type JobError struct {
	JobID        uuid.UUID `json:"job_id"`
	ContentRef   string    `json:"content_ref"`
	Status       string    `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	Error        string    `json:"error"`
	At           time.Time `json:"at"`
}

// JobCounts is a per-status breakdown of a run's jobs.
type JobCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Total     int `json:"total"`
}
