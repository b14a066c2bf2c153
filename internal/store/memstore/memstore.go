// Package memstore is an in-memory store.Store. Every method holds one mutex,
// so each conditional update is atomic the same way a single SQL statement is.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/evalrunner/internal/store"
	"github.com/kiranshivaraju/evalrunner/pkg/models"
)

// Store keeps runs, jobs, results and contents in maps.
type Store struct {
	mu       sync.Mutex
	tenant   models.Tenant
	keys     map[uuid.UUID]*models.APIKey
	runs     map[uuid.UUID]*models.Run
	jobs     map[uuid.UUID]*models.Job
	results  map[uuid.UUID]*models.AnalysisResult // by job id
	contents map[string]string
}

// New returns an empty Store seeded with a default tenant.
func New() *Store {
	now := time.Now().UTC()
	return &Store{
		tenant:   models.Tenant{ID: uuid.New(), Name: "default", CreatedAt: now, UpdatedAt: now},
		keys:     make(map[uuid.UUID]*models.APIKey),
		runs:     make(map[uuid.UUID]*models.Run),
		jobs:     make(map[uuid.UUID]*models.Job),
		results:  make(map[uuid.UUID]*models.AnalysisResult),
		contents: make(map[string]string),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) GetDefaultTenant(context.Context) (*models.Tenant, error) {
	t := s.tenant
	return &t, nil
}

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *Store) CreateRun(_ context.Context, run *models.Run, jobs []*models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return store.ErrDuplicateKey
	}
	for _, r := range s.runs {
		if r.OwnerID == run.OwnerID && r.TargetID == run.TargetID && r.IsActive() && models.IsActiveRunStatus(run.Status) {
			return store.ErrActiveRun
		}
	}
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if seen[j.ContentRef] {
			return fmt.Errorf("insert jobs: %w", store.ErrDuplicateKey)
		}
		seen[j.ContentRef] = true
	}

	r := *run
	s.runs[run.ID] = &r
	for _, j := range jobs {
		c := *j
		s.jobs[j.ID] = &c
	}
	return nil
}

func (s *Store) GetRun(_ context.Context, id uuid.UUID) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *Store) ListClaimableRuns(context.Context) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Run
	for _, r := range s.runs {
		if models.IsClaimableRunStatus(r.Status) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *Store) TransitionRun(_ context.Context, id uuid.UUID, from []string, to string, now time.Time) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !contains(from, r.Status) {
		return nil, store.ErrConflict
	}
	r.Status = to
	r.UpdatedAt = now
	if to == models.RunStatusRunning && r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	if !models.IsActiveRunStatus(to) {
		t := now
		r.FinishedAt = &t
	}
	c := *r
	return &c, nil
}

func (s *Store) RefreshRunCounts(_ context.Context, id uuid.UUID, now time.Time) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := s.countLocked(id)
	r.TotalUnits = c.Total
	r.QueuedCount = c.Queued + c.Running
	r.SucceededCount = c.Succeeded
	r.FailedCount = c.Failed
	r.SkippedCount = c.Skipped
	r.UpdatedAt = now
	out := *r
	return &out, nil
}

func (s *Store) CountJobs(_ context.Context, runID uuid.UUID) (models.JobCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(runID), nil
}

func (s *Store) countLocked(runID uuid.UUID) models.JobCounts {
	var c models.JobCounts
	for _, j := range s.jobs {
		if j.RunID != runID {
			continue
		}
		c.Total++
		switch j.Status {
		case models.JobStatusQueued:
			c.Queued++
		case models.JobStatusRunning:
			c.Running++
		case models.JobStatusSucceeded:
			c.Succeeded++
		case models.JobStatusFailed:
			c.Failed++
		case models.JobStatusSkipped:
			c.Skipped++
		}
	}
	return c
}

func (s *Store) ClaimJob(_ context.Context, p store.ClaimParams) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Job
	for _, j := range s.jobs {
		if p.RunID != nil && j.RunID != *p.RunID {
			continue
		}
		r := s.runs[j.RunID]
		if r == nil || !models.IsClaimableRunStatus(r.Status) {
			continue
		}
		if !claimable(j, p.StaleBefore) {
			continue
		}
		if best == nil || olderThan(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}

	owner := p.WorkerID
	at := p.Now
	best.Status = models.JobStatusRunning
	best.LockOwner = &owner
	best.LockedAt = &at
	best.UpdatedAt = p.Now
	c := *best
	return &c, nil
}

func (s *Store) CompleteJob(_ context.Context, id uuid.UUID, workerID, status string, now time.Time) (*models.Job, error) {
	if status != models.JobStatusSucceeded && status != models.JobStatusSkipped {
		return nil, fmt.Errorf("complete job: invalid terminal status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !lockedBy(j, workerID) {
		return nil, store.ErrConflict
	}
	j.Status = status
	j.LockOwner = nil
	j.LockedAt = nil
	j.UpdatedAt = now
	t := now
	j.FinishedAt = &t
	c := *j
	return &c, nil
}

func (s *Store) FailJobAttempt(_ context.Context, p store.FailParams) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[p.JobID]
	if !ok || !lockedBy(j, p.WorkerID) {
		return nil, store.ErrConflict
	}
	j.AttemptCount++
	if p.BadOutput {
		j.BadOutputs++
	}
	msg := p.Error
	j.LastError = &msg
	j.LockOwner = nil
	j.LockedAt = nil
	j.UpdatedAt = p.Now
	if p.Retry && j.AttemptCount < p.MaxAttempts {
		j.Status = models.JobStatusQueued
		j.FinishedAt = nil
	} else {
		j.Status = models.JobStatusFailed
		t := p.Now
		j.FinishedAt = &t
	}
	c := *j
	return &c, nil
}

func (s *Store) ReleaseStaleJobs(_ context.Context, staleBefore, now time.Time, reason string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobStatusRunning || j.LockedAt == nil || !j.LockedAt.Before(staleBefore) {
			continue
		}
		j.LockOwner = nil
		j.LockedAt = nil
		j.UpdatedAt = now
		if r := s.runs[j.RunID]; r != nil && r.IsActive() {
			j.Status = models.JobStatusQueued
		} else {
			j.Status = models.JobStatusFailed
			msg := reason
			j.LastError = &msg
			t := now
			j.FinishedAt = &t
		}
		c := *j
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) FailQueuedJobs(_ context.Context, runID uuid.UUID, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.RunID != runID || j.Status != models.JobStatusQueued {
			continue
		}
		j.Status = models.JobStatusFailed
		msg := reason
		j.LastError = &msg
		j.UpdatedAt = now
		t := now
		j.FinishedAt = &t
		n++
	}
	return n, nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *j
	return &c, nil
}

// Jobs returns a copy of every job of the run, oldest first.
func (s *Store) Jobs(runID uuid.UUID) []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.RunID == runID {
			c := *j
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return olderThan(out[i], out[k]) })
	return out
}

func (s *Store) ListJobErrors(_ context.Context, runID uuid.UUID, limit int) ([]models.JobError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := []models.JobError{}
	for _, j := range s.jobs {
		if j.RunID != runID || j.LastError == nil {
			continue
		}
		errs = append(errs, models.JobError{
			JobID: j.ID, ContentRef: j.ContentRef, Status: j.Status,
			AttemptCount: j.AttemptCount, Error: *j.LastError, At: j.UpdatedAt,
		})
	}
	sort.Slice(errs, func(i, k int) bool {
		if !errs[i].At.Equal(errs[k].At) {
			return errs[i].At.After(errs[k].At)
		}
		return errs[i].JobID.String() < errs[k].JobID.String()
	})
	if limit > 0 && len(errs) > limit {
		errs = errs[:limit]
	}
	return errs, nil
}

func (s *Store) SaveResult(_ context.Context, r *models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[r.JobID]; ok {
		return nil
	}
	c := *r
	s.results[r.JobID] = &c
	return nil
}

// Result returns the stored result for a job.
func (s *Store) Result(jobID uuid.UUID) (*models.AnalysisResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[jobID]
	if !ok {
		return nil, false
	}
	c := *r
	return &c, true
}

func (s *Store) HasScoredContent(_ context.Context, contentRef, fingerprint, configurationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, r := range s.results {
		if r.ContentRef != contentRef || r.Fingerprint != fingerprint || r.ConfigurationID != configurationID {
			continue
		}
		if j, ok := s.jobs[jobID]; ok && j.Status == models.JobStatusSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) FetchContent(_ context.Context, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.contents[ref]
	if !ok {
		return "", store.ErrNotFound
	}
	return body, nil
}

func (s *Store) PutContent(_ context.Context, ref, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[ref] = body
	return nil
}

func claimable(j *models.Job, staleBefore time.Time) bool {
	switch j.Status {
	case models.JobStatusQueued:
		return true
	case models.JobStatusRunning:
		return j.LockedAt != nil && j.LockedAt.Before(staleBefore)
	}
	return false
}

func lockedBy(j *models.Job, workerID string) bool {
	return j.Status == models.JobStatusRunning && j.LockOwner != nil && *j.LockOwner == workerID
}

func olderThan(a, b *models.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ store.Store = (*Store)(nil)
