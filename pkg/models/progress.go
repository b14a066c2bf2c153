package models

import (
	"time"

	"github.com/google/uuid"
)

// ProgressEvent is a point-in-time snapshot of a run's counters, pushed to live
// subscribers. The runs table stays the system of record. Seq is the run row's
// updated_at in microseconds and orders snapshots of the same run.
type ProgressEvent struct {
	RunID     uuid.UUID `json:"run_id"`
	Seq       int64     `json:"seq"`
	Status    string    `json:"status"`
	Total     int       `json:"total"`
	Queued    int       `json:"queued"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	At        time.Time `json:"at"`
}

// ProgressFromRun snapshots the run's current counters.
func ProgressFromRun(r *Run, at time.Time) ProgressEvent {
	return ProgressEvent{
		RunID:     r.ID,
		Seq:       r.UpdatedAt.UnixMicro(),
		Status:    r.Status,
		Total:     r.TotalUnits,
		Queued:    r.QueuedCount,
		Succeeded: r.SucceededCount,
		Failed:    r.FailedCount,
		Skipped:   r.SkippedCount,
		At:        at,
	}
}

// Done is the number of jobs that reached a terminal state.
func (ev ProgressEvent) Done() int {
	return ev.Succeeded + ev.Failed + ev.Skipped
}

// Supersedes reports whether ev may replace prev. Snapshots read before a
// concurrent update never win: a terminal status is final, finished jobs never
// decrease, and Seq never goes backwards.
func (ev ProgressEvent) Supersedes(prev ProgressEvent) bool {
	if !IsActiveRunStatus(prev.Status) && IsActiveRunStatus(ev.Status) {
		return false
	}
	if ev.Done() < prev.Done() {
		return false
	}
	return ev.Seq >= prev.Seq
}
