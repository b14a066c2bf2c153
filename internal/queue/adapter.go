// Package queue claims and finalizes individual jobs against the durable store.
// Every operation is a single conditional update, so workers in different
// processes can share one store safely.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/evalrunner/internal/store"
	"github.com/kiranshivaraju/evalrunner/pkg/models"
)

const (
	DefaultLockTTL     = 5 * time.Minute
	DefaultMaxAttempts = 3
)

// StaleLockReason is recorded on jobs of terminal runs whose worker vanished.
const StaleLockReason = "worker lock expired after the run ended"

// Outcome is how a job attempt ended.
type Outcome int

const (
	Succeeded Outcome = iota
	Skipped
	// Failed ends the job at once.
	Failed
	// Retry requeues the job while attempts remain, then fails it.
	Retry
	// Resample is a Retry caused by unparseable output. It is granted once
	// per job.
	Resample
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Retry:
		return "retry"
	case Resample:
		return "resample"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Adapter wraps a store.Store with the lock TTL and retry bound.
type Adapter struct {
	store       store.Store
	lockTTL     time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewAdapter creates an Adapter. Zero values fall back to the defaults.
func NewAdapter(s store.Store, lockTTL time.Duration, maxAttempts int) *Adapter {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Adapter{
		store:       s,
		lockTTL:     lockTTL,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the adapter's clock.
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

func (a *Adapter) LockTTL() time.Duration { return a.lockTTL }
func (a *Adapter) MaxAttempts() int       { return a.maxAttempts }

// Claim locks the oldest eligible job, optionally only within runID. It
// returns (nil, nil) when nothing is claimable.
func (a *Adapter) Claim(ctx context.Context, workerID string, runID *uuid.UUID) (*models.Job, error) {
	now := a.now()
	job, err := a.store.ClaimJob(ctx, store.ClaimParams{
		WorkerID:    workerID,
		RunID:       runID,
		StaleBefore: now.Add(-a.lockTTL),
		Now:         now,
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Finalize records the outcome of an attempt by workerID. It returns
// store.ErrConflict when the worker no longer holds the job's lock.
func (a *Adapter) Finalize(ctx context.Context, job *models.Job, workerID string, outcome Outcome, errMsg string) (*models.Job, error) {
	now := a.now()
	switch outcome {
	case Succeeded:
		return a.store.CompleteJob(ctx, job.ID, workerID, models.JobStatusSucceeded, now)
	case Skipped:
		return a.store.CompleteJob(ctx, job.ID, workerID, models.JobStatusSkipped, now)
	case Failed, Retry, Resample:
		updated, err := a.store.FailJobAttempt(ctx, store.FailParams{
			JobID:       job.ID,
			WorkerID:    workerID,
			Error:       errMsg,
			Retry:       outcome != Failed,
			BadOutput:   outcome == Resample,
			MaxAttempts: a.maxAttempts,
			Now:         now,
		})
		if err != nil {
			return nil, err
		}
		if outcome != Failed && updated.Status == models.JobStatusFailed {
			slog.Warn("job exhausted its attempts",
				"job_id", job.ID, "run_id", job.RunID, "attempts", updated.AttemptCount, "error", errMsg)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("finalize job %s: unknown outcome %s", job.ID, outcome)
}

// ReleaseStaleLocks requeues running jobs whose lock is older than the TTL.
// Jobs of runs that are no longer active are failed instead. Attempt counts
// are left untouched.
func (a *Adapter) ReleaseStaleLocks(ctx context.Context) ([]*models.Job, error) {
	now := a.now()
	jobs, err := a.store.ReleaseStaleJobs(ctx, now.Add(-a.lockTTL), now, StaleLockReason)
	if err != nil {
		return nil, err
	}
	if len(jobs) > 0 {
		slog.Info("released stale job locks", "count", len(jobs))
	}
	return jobs, nil
}

// ContentAlreadyScored reports whether a successful result already exists for
// this exact content fingerprint and configuration.
func (a *Adapter) ContentAlreadyScored(ctx context.Context, contentRef, fingerprint, configurationID string) (bool, error) {
	return a.store.HasScoredContent(ctx, contentRef, fingerprint, configurationID)
}
