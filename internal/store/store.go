package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/evalrunner/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	// ErrConflict means a conditional update matched no row: the job's lock
	// was lost or the run was no longer in an expected status.
	ErrConflict = errors.New("conditional update conflict")
	// ErrActiveRun means the owner already has a queued, running or paused
	// run for the same target.
	ErrActiveRun = errors.New("an active run already exists for this owner and target")
)

// Store is the data access interface. All database operations go through here.
// Every job state change is a single conditional update; the store is the
// only synchronization point between workers.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	// CreateRun inserts the run and its jobs atomically.
	CreateRun(ctx context.Context, run *models.Run, jobs []*models.Job) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	// ListClaimableRuns returns queued and running runs, oldest first.
	ListClaimableRuns(ctx context.Context) ([]*models.Run, error)
	// TransitionRun moves a run to status `to` only if its current status is
	// one of from. It stamps started_at on the first move to running and
	// finished_at on terminal statuses.
	TransitionRun(ctx context.Context, id uuid.UUID, from []string, to string, now time.Time) (*models.Run, error)
	// RefreshRunCounts recomputes every counter of the run from its job rows.
	RefreshRunCounts(ctx context.Context, id uuid.UUID, now time.Time) (*models.Run, error)
	CountJobs(ctx context.Context, runID uuid.UUID) (models.JobCounts, error)

	// ClaimJob locks the oldest eligible job. ErrNotFound when none is eligible.
	ClaimJob(ctx context.Context, p ClaimParams) (*models.Job, error)
	// CompleteJob sets a terminal succeeded/skipped status on a job still
	// locked by workerID.
	CompleteJob(ctx context.Context, id uuid.UUID, workerID, status string, now time.Time) (*models.Job, error)
	// FailJobAttempt records a failed attempt on a job still locked by
	// workerID. The job is requeued when retry is set and the incremented
	// attempt count stays below maxAttempts, and failed otherwise.
	FailJobAttempt(ctx context.Context, p FailParams) (*models.Job, error)
	// ReleaseStaleJobs unlocks running jobs locked before staleBefore: jobs of
	// active runs are requeued, jobs of finished or stopped runs are failed
	// with reason. Attempt counts are left untouched.
	ReleaseStaleJobs(ctx context.Context, staleBefore, now time.Time, reason string) ([]*models.Job, error)
	// FailQueuedJobs fails every queued job of the run with reason.
	FailQueuedJobs(ctx context.Context, runID uuid.UUID, reason string, now time.Time) (int64, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobErrors(ctx context.Context, runID uuid.UUID, limit int) ([]models.JobError, error)

	// SaveResult records a result; a second result for the same job is ignored.
	SaveResult(ctx context.Context, result *models.AnalysisResult) error
	// HasScoredContent reports whether a succeeded job already produced a
	// result for this content, fingerprint and configuration.
	HasScoredContent(ctx context.Context, contentRef, fingerprint, configurationID string) (bool, error)

	FetchContent(ctx context.Context, ref string) (string, error)
	PutContent(ctx context.Context, ref, body string) error
}

// ClaimParams selects the job a worker may claim. A nil RunID draws from every
// queued or running run.
type ClaimParams struct {
	WorkerID    string
	RunID       *uuid.UUID
	StaleBefore time.Time
	Now         time.Time
}

// FailParams describes one failed attempt.
type FailParams struct {
	JobID       uuid.UUID
	WorkerID    string
	Error       string
	Retry       bool
	// BadOutput marks an attempt that produced unparseable model output.
	BadOutput   bool
	MaxAttempts int
	Now         time.Time
}
