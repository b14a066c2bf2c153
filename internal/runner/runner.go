// Package runner drives job execution. Each tick releases stale locks, claims
// jobs up to a concurrency budget, scores them and records the outcomes.
// The store's conditional updates are the only coordination between ticks,
// so any number of processes may call ProcessTick at once.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/evalrunner/internal/ai"
	"github.com/kiranshivaraju/evalrunner/internal/ai/llm"
	"github.com/kiranshivaraju/evalrunner/internal/content"
	"github.com/kiranshivaraju/evalrunner/internal/fingerprint"
	"github.com/kiranshivaraju/evalrunner/internal/queue"
	"github.com/kiranshivaraju/evalrunner/internal/run"
	"github.com/kiranshivaraju/evalrunner/internal/store"
	"github.com/kiranshivaraju/evalrunner/pkg/models"
)

const (
	DefaultCeiling       = 20
	DefaultHarvestMargin = 30 * time.Second
)

// Analyzer scores one piece of content.
type Analyzer interface {
	Generate(ctx context.Context, promptTemplate, content string, opts ai.Options) (*ai.Analysis, error)
}

// Config tunes a Runner.
type Config struct {
	// Ceiling caps the jobs claimed by one tick, whatever the runs ask for.
	Ceiling int
	// HarvestMargin stops new claims once the tick deadline is this close.
	HarvestMargin time.Duration
	// WorkerPrefix is prepended to every generated lock owner.
	WorkerPrefix string
}

// Runner executes claimed jobs.
type Runner struct {
	store    store.Store
	queue    *queue.Adapter
	runs     *run.Controller
	source   content.Source
	analyzer Analyzer
	cfg      Config
	now      func() time.Time
}

// New creates a Runner.
func New(s store.Store, q *queue.Adapter, runs *run.Controller, src content.Source, analyzer Analyzer, cfg Config) *Runner {
	if cfg.Ceiling < 1 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.HarvestMargin <= 0 {
		cfg.HarvestMargin = DefaultHarvestMargin
	}
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = "worker"
	}
	return &Runner{
		store:    s,
		queue:    q,
		runs:     runs,
		source:   src,
		analyzer: analyzer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// quota is how many jobs a tick may claim from one run.
type quota struct {
	run   *models.Run
	limit int
}

// ProcessTick runs one scheduling cycle and returns how many jobs reached a
// terminal or requeued state. When runID is set only that run's jobs are
// claimed. maxConcurrency <= 0 means no limit beyond the runs' own settings
// and the ceiling. Jobs keep running past the tick deadline; only claiming
// stops early.
func (r *Runner) ProcessTick(ctx context.Context, maxConcurrency int, runID *uuid.UUID) (int, error) {
	released, err := r.queue.ReleaseStaleLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("release stale locks: %w", err)
	}
	r.runs.RefreshAfterRelease(ctx, released)

	quotas, err := r.plan(ctx, maxConcurrency, runID)
	if err != nil {
		return 0, err
	}
	budget := 0
	for _, q := range quotas {
		budget += q.limit
	}
	if budget == 0 {
		return 0, nil
	}

	workerID := fmt.Sprintf("%s-%s", r.cfg.WorkerPrefix, uuid.NewString())
	execCtx := context.WithoutCancel(ctx)

	var (
		g         errgroup.Group
		processed atomic.Int64
		claimErr  error
	)
	g.SetLimit(budget)

claiming:
	for _, q := range quotas {
		for i := 0; i < q.limit; i++ {
			if r.harvestClosed(ctx) {
				slog.Info("tick deadline near, stopping claims", "worker_id", workerID)
				break claiming
			}
			job, err := r.queue.Claim(ctx, workerID, &q.run.ID)
			if err != nil {
				claimErr = fmt.Errorf("claim job: %w", err)
				break claiming
			}
			if job == nil {
				break
			}
			if err := r.runs.JobClaimed(ctx, job.RunID); err != nil {
				slog.Warn("failed to mark run running", "run_id", job.RunID, "error", err)
			}

			runRec := q.run
			g.Go(func() error {
				ok, err := r.execute(execCtx, workerID, runRec, job)
				if ok {
					processed.Add(1)
				}
				return err
			})
		}
	}

	err = g.Wait()
	n := int(processed.Load())
	if claimErr != nil {
		return n, claimErr
	}
	if err != nil {
		return n, err
	}
	if n > 0 {
		slog.Info("tick finished", "worker_id", workerID, "processed", n)
	}
	return n, nil
}

// plan hands out the tick's budget. A scoped tick gives everything to one run.
// A global tick sums the runs' own limits, caps the total, and deals it out
// round robin so no run starves another.
func (r *Runner) plan(ctx context.Context, maxConcurrency int, runID *uuid.UUID) ([]quota, error) {
	if runID != nil {
		rec, err := r.store.GetRun(ctx, *runID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, run.ErrRunNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get run: %w", err)
		}
		if !models.IsClaimableRunStatus(rec.Status) {
			return nil, nil
		}
		limit := rec.MaxConcurrency
		if maxConcurrency > 0 {
			limit = maxConcurrency
		}
		return []quota{{run: rec, limit: min(limit, r.cfg.Ceiling)}}, nil
	}

	runs, err := r.store.ListClaimableRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list claimable runs: %w", err)
	}
	return distribute(runs, maxConcurrency, r.cfg.Ceiling), nil
}

func distribute(runs []*models.Run, maxConcurrency, ceiling int) []quota {
	total := 0
	for _, rec := range runs {
		total += max(rec.MaxConcurrency, 1)
	}
	if maxConcurrency > 0 {
		total = min(total, maxConcurrency)
	}
	total = min(total, ceiling)

	quotas := make([]quota, len(runs))
	for i, rec := range runs {
		quotas[i].run = rec
	}
	for total > 0 {
		progressed := false
		for i := range quotas {
			if total == 0 {
				break
			}
			if quotas[i].limit < max(quotas[i].run.MaxConcurrency, 1) {
				quotas[i].limit++
				total--
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	out := quotas[:0]
	for _, q := range quotas {
		if q.limit > 0 {
			out = append(out, q)
		}
	}
	return out
}

func (r *Runner) harvestClosed(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && r.now().Add(r.cfg.HarvestMargin).After(deadline)
}

// execute runs one job to a recorded outcome. ok reports whether the outcome
// was recorded; a lost lock is not an error. Only store failures are returned.
func (r *Runner) execute(ctx context.Context, workerID string, rec *models.Run, job *models.Job) (ok bool, err error) {
	log := slog.With("job_id", job.ID, "run_id", job.RunID, "worker_id", workerID)

	defer func() {
		if p := recover(); p != nil {
			log.Error("job panicked", "panic", p)
			ok, err = r.finalize(ctx, log, job, workerID, queue.Failed, fmt.Sprintf("panic: %v", p))
		}
	}()

	outcome, msg, err := r.score(ctx, log, rec, job)
	if err != nil {
		// The lock is left to expire; the stale sweep requeues the job.
		log.Error("store failure while scoring job", "error", err)
		return false, fmt.Errorf("score job %s: %w", job.ID, err)
	}
	return r.finalize(ctx, log, job, workerID, outcome, msg)
}

// score fetches, fingerprints and analyzes the job's content and stores the
// result. It returns the outcome to record, or a store error that must abort
// the tick.
func (r *Runner) score(ctx context.Context, log *slog.Logger, rec *models.Run, job *models.Job) (queue.Outcome, string, error) {
	body, err := r.source.FetchContent(ctx, job.ContentRef)
	if err != nil {
		log.Warn("content fetch failed", "content_ref", job.ContentRef, "error", err)
		return queue.Retry, err.Error(), nil
	}

	fp := fingerprint.ForContent(body, rec.ConfigurationID)
	scored, err := r.queue.ContentAlreadyScored(ctx, job.ContentRef, fp, rec.ConfigurationID)
	if err != nil {
		return 0, "", fmt.Errorf("check scored content: %w", err)
	}
	if scored {
		log.Info("content already scored, skipping", "content_ref", job.ContentRef)
		return queue.Skipped, "", nil
	}

	analysis, err := r.analyzer.Generate(ctx, rec.PromptTemplate, body, ai.Options{})
	if err != nil {
		outcome := Classify(err, job.BadOutputs)
		log.Warn("analysis failed", "attempt", job.AttemptCount+1, "outcome", outcome.String(), "error", err)
		return outcome, err.Error(), nil
	}

	result := &models.AnalysisResult{
		ID:              uuid.New(),
		JobID:           job.ID,
		RunID:           job.RunID,
		ContentRef:      job.ContentRef,
		Fingerprint:     fp,
		ConfigurationID: rec.ConfigurationID,
		Score:           analysis.Score,
		Comment:         analysis.Comment,
		Evidence:        analysis.Evidence,
		Raw:             analysis.Raw,
		Provider:        analysis.Provider,
		Model:           analysis.Model,
		DurationMs:      analysis.DurationMs,
		TokensUsed:      analysis.TokensUsed,
		CreatedAt:       time.Now().UTC(),
	}
	if analysis.Detail != "" {
		detail := analysis.Detail
		result.Detail = &detail
	}
	if err := r.store.SaveResult(ctx, result); err != nil {
		return 0, "", fmt.Errorf("save result: %w", err)
	}

	log.Info("job scored", "score", analysis.Score, "provider", analysis.Provider, "duration_ms", analysis.DurationMs)
	return queue.Succeeded, "", nil
}

func (r *Runner) finalize(ctx context.Context, log *slog.Logger, job *models.Job, workerID string, outcome queue.Outcome, msg string) (bool, error) {
	if _, err := r.queue.Finalize(ctx, job, workerID, outcome, msg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Warn("job lock lost before finalize, outcome dropped", "outcome", outcome.String())
			return false, nil
		}
		return false, fmt.Errorf("finalize job %s: %w", job.ID, err)
	}
	if _, err := r.runs.JobFinalized(ctx, job.RunID); err != nil {
		return true, fmt.Errorf("update run %s: %w", job.RunID, err)
	}
	return true, nil
}

// Classify maps an analysis error to a job outcome. badOutputs is how many
// earlier attempts of the job produced unparseable output; only the first
// such attempt is resampled.
func Classify(err error, badOutputs int) queue.Outcome {
	switch {
	case errors.Is(err, content.ErrFetch):
		return queue.Retry
	case errors.Is(err, ai.ErrPromptTemplate):
		return queue.Failed
	case errors.Is(err, llm.ErrBadOutput):
		if badOutputs == 0 {
			return queue.Resample
		}
		return queue.Failed
	case llm.IsRetryable(err):
		return queue.Retry
	default:
		return queue.Failed
	}
}

// Loop calls ProcessTick every interval until ctx ends. Each tick gets its own
// deadline of tickTimeout.
func (r *Runner) Loop(ctx context.Context, interval, tickTimeout time.Duration, maxConcurrency int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		r.tick(ctx, tickTimeout, maxConcurrency)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) tick(ctx context.Context, timeout time.Duration, maxConcurrency int) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	n, err := r.ProcessTick(tctx, maxConcurrency, nil)
	if err != nil {
		slog.Error("tick failed", "error", err, "processed", n, "duration_ms", time.Since(start).Milliseconds())
	}
}
