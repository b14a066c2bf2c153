// Package run owns the run-level state machine, its aggregate counters and the
// status view. Counters are always recomputed from job rows.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/evalrunner/internal/content"
	"github.com/kiranshivaraju/evalrunner/internal/fingerprint"
	"github.com/kiranshivaraju/evalrunner/internal/queue"
	"github.com/kiranshivaraju/evalrunner/internal/store"
	"github.com/kiranshivaraju/evalrunner/pkg/models"
)

var (
	// ErrInvalidTransition is returned when the run's current status does not
	// allow the requested move. The run is left unchanged.
	ErrInvalidTransition = errors.New("invalid run transition")
	ErrRunNotFound       = errors.New("run not found")
)

// StoppedJobError is recorded on jobs that were still queued when their run
// was stopped.
const StoppedJobError = "run stopped before this job was processed"

// maxRecentErrors bounds the error list in a status view.
const maxRecentErrors = 10

// fetchConcurrency bounds parallel content fetches while creating a run.
const fetchConcurrency = 8

// transitions lists the statuses reachable from each status.
var transitions = map[string][]string{
	models.RunStatusQueued:  {models.RunStatusRunning, models.RunStatusStopped, models.RunStatusCompleted},
	models.RunStatusRunning: {models.RunStatusPaused, models.RunStatusStopped, models.RunStatusCompleted, models.RunStatusFailed},
	models.RunStatusPaused:  {models.RunStatusRunning, models.RunStatusStopped},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every status that may move to `to`.
func sourcesOf(to string) []string {
	var from []string
	for _, s := range []string{models.RunStatusQueued, models.RunStatusRunning, models.RunStatusPaused} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// ProgressSink receives a counter snapshot after every recompute.
type ProgressSink interface {
	PublishProgress(ctx context.Context, ev models.ProgressEvent) error
}

// CreateRunParams describes a bulk analysis request.
type CreateRunParams struct {
	OwnerID         uuid.UUID
	TargetID        string
	ContentRefs     []string
	ConfigurationID string
	PromptTemplate  string
	MaxConcurrency  int
}

// Status is the point-in-time view of a run.
type Status struct {
	Run                    *models.Run       `json:"run"`
	Counts                 models.JobCounts  `json:"counts"`
	RecentErrors           []models.JobError `json:"recent_errors"`
	EstimatedTimeRemaining *time.Duration    `json:"-"`
	EstimatedRemainingMs   *int64            `json:"estimated_time_remaining_ms,omitempty"`
	// NothingScored is set on a completed run that produced no new score
	// because every unit was already scored.
	NothingScored bool `json:"nothing_scored,omitempty"`
}

// Controller applies run transitions against the store.
type Controller struct {
	store              store.Store
	queue              *queue.Adapter
	source             content.Source
	sink               ProgressSink
	defaultConcurrency int
	now                func() time.Time
}

// NewController creates a Controller. sink may be nil.
func NewController(s store.Store, q *queue.Adapter, src content.Source, sink ProgressSink, defaultConcurrency int) *Controller {
	if defaultConcurrency < 1 {
		defaultConcurrency = 1
	}
	return &Controller{
		store:              s,
		queue:              q,
		source:             src,
		sink:               sink,
		defaultConcurrency: defaultConcurrency,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the controller's clock.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// CreateRun creates a run with one job per distinct content reference that
// is not already scored under the same fingerprint and configuration. A run
// that needs no jobs is completed at once.
func (c *Controller) CreateRun(ctx context.Context, p CreateRunParams) (*models.Run, error) {
	refs := dedupe(p.ContentRefs)

	needed, err := c.filterScored(ctx, refs, p.ConfigurationID)
	if err != nil {
		return nil, err
	}

	maxConcurrency := p.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = c.defaultConcurrency
	}

	now := c.now()
	r := &models.Run{
		ID:              uuid.New(),
		OwnerID:         p.OwnerID,
		TargetID:        p.TargetID,
		ConfigurationID: p.ConfigurationID,
		PromptTemplate:  p.PromptTemplate,
		Status:          models.RunStatusQueued,
		TotalUnits:      len(needed),
		QueuedCount:     len(needed),
		MaxConcurrency:  maxConcurrency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	jobs := make([]*models.Job, 0, len(needed))
	for i, ref := range needed {
		// Spread creation times so claim order follows request order.
		at := now.Add(time.Duration(i) * time.Microsecond)
		jobs = append(jobs, &models.Job{
			ID:         uuid.New(),
			RunID:      r.ID,
			ContentRef: ref,
			Status:     models.JobStatusQueued,
			CreatedAt:  at,
			UpdatedAt:  at,
		})
	}

	if err := c.store.CreateRun(ctx, r, jobs); err != nil {
		return nil, err
	}
	slog.Info("run created",
		"run_id", r.ID, "owner_id", r.OwnerID, "target_id", r.TargetID,
		"requested", len(p.ContentRefs), "jobs", len(jobs))

	if len(jobs) == 0 {
		r, err = c.store.TransitionRun(ctx, r.ID, []string{models.RunStatusQueued}, models.RunStatusCompleted, c.now())
		if err != nil {
			return nil, fmt.Errorf("complete empty run: %w", err)
		}
	}
	c.publish(ctx, r)
	return r, nil
}

// filterScored drops refs whose current content already has a successful
// result. Content that cannot be fetched now still gets a job; the job will
// retry the fetch.
func (c *Controller) filterScored(ctx context.Context, refs []string, configurationID string) ([]string, error) {
	keep := make([]bool, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			body, err := c.source.FetchContent(gctx, ref)
			if err != nil {
				slog.Warn("content fetch failed during run creation", "content_ref", ref, "error", err)
				keep[i] = true
				return nil
			}
			scored, err := c.queue.ContentAlreadyScored(gctx, ref, fingerprint.ForContent(body, configurationID), configurationID)
			if err != nil {
				return fmt.Errorf("check scored content %q: %w", ref, err)
			}
			keep[i] = !scored
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(refs))
	for i, ref := range refs {
		if keep[i] {
			out = append(out, ref)
		}
	}
	return out, nil
}

// Get returns the run.
func (c *Controller) Get(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	r, err := c.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return r, err
}

// Pause stops new claims for a running run. In-flight jobs finish.
func (c *Controller) Pause(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	r, err := c.transition(ctx, runID, sourcesOf(models.RunStatusPaused), models.RunStatusPaused)
	if err != nil {
		return nil, err
	}
	c.publish(ctx, r)
	return r, nil
}

// Resume reopens a paused run for claims. A run with nothing left to do is
// settled immediately.
func (c *Controller) Resume(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	if _, err := c.transition(ctx, runID, []string{models.RunStatusPaused}, models.RunStatusRunning); err != nil {
		return nil, err
	}
	return c.JobFinalized(ctx, runID)
}

// Stop ends the run. Queued jobs fail with StoppedJobError; running jobs are
// left to finish and their outcomes are recorded without reviving the run.
func (c *Controller) Stop(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	if _, err := c.transition(ctx, runID, sourcesOf(models.RunStatusStopped), models.RunStatusStopped); err != nil {
		return nil, err
	}
	n, err := c.store.FailQueuedJobs(ctx, runID, StoppedJobError, c.now())
	if err != nil {
		return nil, fmt.Errorf("fail queued jobs: %w", err)
	}
	r, err := c.store.RefreshRunCounts(ctx, runID, c.now())
	if err != nil {
		return nil, fmt.Errorf("refresh run counts: %w", err)
	}
	slog.Info("run stopped", "run_id", runID, "failed_queued", n)
	c.publish(ctx, r)
	return r, nil
}

// JobClaimed moves a queued run to running when its first job is claimed.
func (c *Controller) JobClaimed(ctx context.Context, runID uuid.UUID) error {
	_, err := c.store.TransitionRun(ctx, runID, []string{models.RunStatusQueued}, models.RunStatusRunning, c.now())
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	return nil
}

// JobFinalized recomputes the run's counters and settles a running run once
// none of its jobs remain: completed when at least one succeeded (or was
// skipped as already scored), failed otherwise.
func (c *Controller) JobFinalized(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	r, err := c.store.RefreshRunCounts(ctx, runID, c.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("refresh run counts: %w", err)
	}

	if r.QueuedCount == 0 && (r.Status == models.RunStatusRunning || r.Status == models.RunStatusQueued) {
		if r.Status == models.RunStatusQueued {
			if err := c.JobClaimed(ctx, runID); err != nil {
				return nil, err
			}
		}
		to := models.RunStatusFailed
		if r.SucceededCount+r.SkippedCount > 0 {
			to = models.RunStatusCompleted
		}
		settled, err := c.store.TransitionRun(ctx, runID, []string{models.RunStatusRunning}, to, c.now())
		switch {
		case err == nil:
			r = settled
			slog.Info("run finished", "run_id", runID, "status", to,
				"succeeded", r.SucceededCount, "failed", r.FailedCount, "skipped", r.SkippedCount)
		case errors.Is(err, store.ErrConflict):
			// Paused, stopped or settled by a concurrent finalize.
			if latest, gerr := c.store.GetRun(ctx, runID); gerr == nil {
				r = latest
			}
		default:
			return nil, fmt.Errorf("settle run: %w", err)
		}
	}

	c.publish(ctx, r)
	return r, nil
}

// RefreshAfterRelease recomputes counters for every run that had a stale job
// failed outright.
func (c *Controller) RefreshAfterRelease(ctx context.Context, released []*models.Job) {
	seen := map[uuid.UUID]bool{}
	for _, j := range released {
		if j.Status != models.JobStatusFailed || seen[j.RunID] {
			continue
		}
		seen[j.RunID] = true
		if _, err := c.JobFinalized(ctx, j.RunID); err != nil {
			slog.Warn("refresh after stale release failed", "run_id", j.RunID, "error", err)
		}
	}
}

// Status returns the run, its per-status job counts, the most recent job
// errors and, once a job has completed, an estimate of the time remaining.
func (c *Controller) Status(ctx context.Context, runID uuid.UUID) (*Status, error) {
	r, err := c.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	counts, err := c.store.CountJobs(ctx, runID)
	if err != nil {
		return nil, err
	}
	recent, err := c.store.ListJobErrors(ctx, runID, maxRecentErrors)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Run:           r,
		Counts:        counts,
		RecentErrors:  recent,
		NothingScored: r.Status == models.RunStatusCompleted && counts.Succeeded == 0,
	}
	if eta, ok := estimateRemaining(r, counts, c.now()); ok {
		ms := eta.Milliseconds()
		st.EstimatedTimeRemaining = &eta
		st.EstimatedRemainingMs = &ms
	}
	return st, nil
}

// estimateRemaining is remaining * (elapsed / completed).
func estimateRemaining(r *models.Run, counts models.JobCounts, now time.Time) (time.Duration, bool) {
	completed := counts.Succeeded + counts.Failed + counts.Skipped
	if completed == 0 {
		return 0, false
	}
	start := r.CreatedAt
	if r.StartedAt != nil {
		start = *r.StartedAt
	}
	elapsed := now.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := counts.Queued + counts.Running
	return time.Duration(int64(remaining) * int64(elapsed) / int64(completed)), true
}

func (c *Controller) transition(ctx context.Context, runID uuid.UUID, from []string, to string) (*models.Run, error) {
	r, err := c.store.TransitionRun(ctx, runID, from, to, c.now())
	switch {
	case err == nil:
		slog.Info("run transitioned", "run_id", runID, "status", to)
		return r, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrRunNotFound
	case errors.Is(err, store.ErrConflict):
		current, gerr := c.store.GetRun(ctx, runID)
		if gerr != nil {
			return nil, fmt.Errorf("%w: cannot move run %s to %s", ErrInvalidTransition, runID, to)
		}
		return nil, fmt.Errorf("%w: cannot move run %s from %s to %s", ErrInvalidTransition, runID, current.Status, to)
	default:
		return nil, err
	}
}

func (c *Controller) publish(ctx context.Context, r *models.Run) {
	if c.sink == nil || r == nil {
		return
	}
	if err := c.sink.PublishProgress(ctx, models.ProgressFromRun(r, c.now())); err != nil {
		slog.Warn("failed to publish run progress", "run_id", r.ID, "error", err)
	}
}

func dedupe(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}
