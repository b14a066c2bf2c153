package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/evalrunner/internal/store"
	"github.com/kiranshivaraju/evalrunner/pkg/models"
)

func seedRun(t *testing.T, s *Store, target string, now time.Time, refs ...string) (*models.Run, []*models.Job) {
	t.Helper()
	run := &models.Run{
		ID: uuid.New(), OwnerID: uuid.Nil, TargetID: target, Status: models.RunStatusQueued,
		TotalUnits: len(refs), QueuedCount: len(refs), MaxConcurrency: 1, CreatedAt: now, UpdatedAt: now,
	}
	var jobs []*models.Job
	for i, ref := range refs {
		at := now.Add(time.Duration(i) * time.Millisecond)
		jobs = append(jobs, &models.Job{
			ID: uuid.New(), RunID: run.ID, ContentRef: ref, Status: models.JobStatusQueued,
			CreatedAt: at, UpdatedAt: at,
		})
	}
	require.NoError(t, s.CreateRun(context.Background(), run, jobs))
	return run, jobs
}

func claimParams(worker string, now time.Time) store.ClaimParams {
	return store.ClaimParams{WorkerID: worker, StaleBefore: now.Add(-5 * time.Minute), Now: now}
}

func TestCreateRun_ActiveRunConflict(t *testing.T) {
	s := New()
	now := time.Now()
	seedRun(t, s, "t", now, "a")

	run := &models.Run{ID: uuid.New(), TargetID: "t", Status: models.RunStatusQueued, CreatedAt: now}
	assert.ErrorIs(t, s.CreateRun(context.Background(), run, nil), store.ErrActiveRun)
}

func TestClaimJob_OldestFirstAndExhaustion(t *testing.T) {
	s := New()
	now := time.Now()
	_, jobs := seedRun(t, s, "t", now, "a", "b")

	first, err := s.ClaimJob(context.Background(), claimParams("w", now))
	require.NoError(t, err)
	assert.Equal(t, jobs[0].ID, first.ID)

	second, err := s.ClaimJob(context.Background(), claimParams("w", now))
	require.NoError(t, err)
	assert.Equal(t, jobs[1].ID, second.ID)

	_, err = s.ClaimJob(context.Background(), claimParams("w", now))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimJob_ConcurrentExclusive(t *testing.T) {
	s := New()
	now := time.Now()
	seedRun(t, s, "t", now, "only")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimJob(context.Background(), claimParams(uuid.NewString(), now)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestFailJobAttempt_LostLock(t *testing.T) {
	s := New()
	now := time.Now()
	seedRun(t, s, "t", now, "a")
	job, err := s.ClaimJob(context.Background(), claimParams("owner", now))
	require.NoError(t, err)

	_, err = s.FailJobAttempt(context.Background(), store.FailParams{JobID: job.ID, WorkerID: "other", Retry: true, MaxAttempts: 3, Now: now})
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, models.JobStatusRunning, got.Status)
}

func TestReleaseStaleJobs_KeepsAttemptCount(t *testing.T) {
	s := New()
	now := time.Now()
	_, jobs := seedRun(t, s, "t", now, "a")
	_, err := s.ClaimJob(context.Background(), claimParams("crashed", now))
	require.NoError(t, err)

	released, err := s.ReleaseStaleJobs(context.Background(), now.Add(time.Second), now.Add(time.Second), "lock expired")
	require.NoError(t, err)
	require.Len(t, released, 1)

	got, err := s.GetJob(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Nil(t, got.LockOwner)
}

func TestRefreshRunCounts(t *testing.T) {
	s := New()
	now := time.Now()
	run, _ := seedRun(t, s, "t", now, "a", "b", "c")
	ctx := context.Background()

	j, err := s.ClaimJob(ctx, claimParams("w", now))
	require.NoError(t, err)
	_, err = s.CompleteJob(ctx, j.ID, "w", models.JobStatusSucceeded, now)
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx, claimParams("w", now))
	require.NoError(t, err)

	r, err := s.RefreshRunCounts(ctx, run.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 3, r.TotalUnits)
	assert.Equal(t, 2, r.QueuedCount)
	assert.Equal(t, 1, r.SucceededCount)
}

func TestHasScoredContent_RequiresSucceededJob(t *testing.T) {
	s := New()
	now := time.Now()
	run, _ := seedRun(t, s, "t", now, "a")
	ctx := context.Background()
	j, err := s.ClaimJob(ctx, claimParams("w", now))
	require.NoError(t, err)

	require.NoError(t, s.SaveResult(ctx, &models.AnalysisResult{
		ID: uuid.New(), JobID: j.ID, RunID: run.ID, ContentRef: "a", Fingerprint: "fp",
	}))
	ok, err := s.HasScoredContent(ctx, "a", "fp", "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.CompleteJob(ctx, j.ID, "w", models.JobStatusSucceeded, now)
	require.NoError(t, err)
	ok, err = s.HasScoredContent(ctx, "a", "fp", "")
	require.NoError(t, err)
	assert.True(t, ok)
}
