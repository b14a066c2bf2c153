package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/evalrunner/pkg/models"
)

// activeRunIndex is the partial unique index enforcing one active run per
// owner and target.
const activeRunIndex = "analysis_runs_one_active_idx"

const runColumns = `id, owner_id, target_id, configuration_id, prompt_template, status,
	total_units, queued_count, succeeded_count, failed_count, skipped_count, max_concurrency,
	created_at, started_at, finished_at, updated_at`

const jobColumns = `id, run_id, content_ref, status, attempt_count, bad_output_count, lock_owner, locked_at,
	last_error, created_at, updated_at, finished_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, created_at
		 FROM api_keys WHERE key_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run, jobs []*models.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO analysis_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.OwnerID, run.TargetID, run.ConfigurationID, run.PromptTemplate, run.Status,
		run.TotalUnits, run.QueuedCount, run.SucceededCount, run.FailedCount, run.SkippedCount,
		run.MaxConcurrency, run.CreatedAt, run.StartedAt, run.FinishedAt, run.UpdatedAt)
	if err != nil {
		if isConstraintViolation(err, activeRunIndex) {
			return ErrActiveRun
		}
		return fmt.Errorf("insert run: %w", err)
	}

	if len(jobs) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"analysis_jobs"},
			[]string{"id", "run_id", "content_ref", "status", "attempt_count", "created_at", "updated_at"},
			pgx.CopyFromSlice(len(jobs), func(i int) ([]any, error) {
				j := jobs[i]
				return []any{j.ID, j.RunID, j.ContentRef, j.Status, j.AttemptCount, j.CreatedAt, j.UpdatedAt}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("insert jobs: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM analysis_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) ListClaimableRuns(ctx context.Context) ([]*models.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM analysis_runs
		 WHERE status IN ('queued', 'running')
		 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list claimable runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) TransitionRun(ctx context.Context, id uuid.UUID, from []string, to string, now time.Time) (*models.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`UPDATE analysis_runs SET
		   status = $2::text,
		   updated_at = $3::timestamptz,
		   started_at = CASE WHEN $2::text = 'running' THEN COALESCE(started_at, $3::timestamptz) ELSE started_at END,
		   finished_at = CASE WHEN $2::text IN ('stopped', 'completed', 'failed') THEN $3::timestamptz ELSE finished_at END
		 WHERE id = $1 AND status = ANY($4::text[])
		 RETURNING `+runColumns,
		id, to, now, from))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetRun(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("transition run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) RefreshRunCounts(ctx context.Context, id uuid.UUID, now time.Time) (*models.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`UPDATE analysis_runs r SET
		   total_units = c.total,
		   queued_count = c.pending,
		   succeeded_count = c.succeeded,
		   failed_count = c.failed,
		   skipped_count = c.skipped,
		   updated_at = $2
		 FROM (
		   SELECT COUNT(*) AS total,
		          COUNT(*) FILTER (WHERE status IN ('queued', 'running')) AS pending,
		          COUNT(*) FILTER (WHERE status = 'succeeded') AS succeeded,
		          COUNT(*) FILTER (WHERE status = 'failed') AS failed,
		          COUNT(*) FILTER (WHERE status = 'skipped') AS skipped
		   FROM analysis_jobs WHERE run_id = $1
		 ) c
		 WHERE r.id = $1
		 RETURNING `+prefixed("r", runColumns),
		id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("refresh run counts: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) CountJobs(ctx context.Context, runID uuid.UUID) (models.JobCounts, error) {
	var c models.JobCounts
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'queued'),
		        COUNT(*) FILTER (WHERE status = 'running'),
		        COUNT(*) FILTER (WHERE status = 'succeeded'),
		        COUNT(*) FILTER (WHERE status = 'failed'),
		        COUNT(*) FILTER (WHERE status = 'skipped'),
		        COUNT(*)
		 FROM analysis_jobs WHERE run_id = $1`, runID,
	).Scan(&c.Queued, &c.Running, &c.Succeeded, &c.Failed, &c.Skipped, &c.Total)
	if err != nil {
		return models.JobCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	return c, nil
}

// --- Jobs ---

// ClaimJob picks the oldest eligible row under FOR UPDATE SKIP LOCKED and
// re-checks eligibility in the outer UPDATE, so two workers can never both
// lock the same job.
func (s *PostgresStore) ClaimJob(ctx context.Context, p ClaimParams) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE analysis_jobs SET
		   status = 'running', lock_owner = $1, locked_at = $2, updated_at = $2
		 WHERE id = (
		   SELECT j.id FROM analysis_jobs j
		   JOIN analysis_runs r ON r.id = j.run_id
		   WHERE r.status IN ('queued', 'running')
		     AND ($3::uuid IS NULL OR j.run_id = $3::uuid)
		     AND (j.status = 'queued' OR (j.status = 'running' AND j.locked_at < $4))
		   ORDER BY j.created_at, j.id
		   LIMIT 1
		   FOR UPDATE OF j SKIP LOCKED
		 )
		 AND (status = 'queued' OR (status = 'running' AND locked_at < $4))
		 RETURNING `+jobColumns,
		p.WorkerID, p.Now, p.RunID, p.StaleBefore))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, workerID, status string, now time.Time) (*models.Job, error) {
	if status != models.JobStatusSucceeded && status != models.JobStatusSkipped {
		return nil, fmt.Errorf("complete job: invalid terminal status %q", status)
	}
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE analysis_jobs SET
		   status = $3, lock_owner = NULL, locked_at = NULL, finished_at = $4, updated_at = $4
		 WHERE id = $1 AND status = 'running' AND lock_owner = $2
		 RETURNING `+jobColumns,
		id, workerID, status, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) FailJobAttempt(ctx context.Context, p FailParams) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE analysis_jobs SET
		   attempt_count = attempt_count + 1,
		   bad_output_count = bad_output_count + CASE WHEN $7::boolean THEN 1 ELSE 0 END,
		   last_error = $3,
		   status = CASE WHEN $4::boolean AND attempt_count + 1 < $5::int THEN 'queued' ELSE 'failed' END,
		   finished_at = CASE WHEN $4::boolean AND attempt_count + 1 < $5::int THEN NULL ELSE $6::timestamptz END,
		   lock_owner = NULL,
		   locked_at = NULL,
		   updated_at = $6
		 WHERE id = $1 AND status = 'running' AND lock_owner = $2
		 RETURNING `+jobColumns,
		p.JobID, p.WorkerID, p.Error, p.Retry, p.MaxAttempts, p.Now, p.BadOutput))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("fail job attempt: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ReleaseStaleJobs(ctx context.Context, staleBefore, now time.Time, reason string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`WITH stale AS (
		   SELECT j.id, r.status IN ('queued', 'running', 'paused') AS active
		   FROM analysis_jobs j
		   JOIN analysis_runs r ON r.id = j.run_id
		   WHERE j.status = 'running' AND j.locked_at < $1
		   FOR UPDATE OF j SKIP LOCKED
		 )
		 UPDATE analysis_jobs j SET
		   status = CASE WHEN stale.active THEN 'queued' ELSE 'failed' END,
		   last_error = CASE WHEN stale.active THEN j.last_error ELSE $2 END,
		   finished_at = CASE WHEN stale.active THEN NULL ELSE $3::timestamptz END,
		   lock_owner = NULL,
		   locked_at = NULL,
		   updated_at = $3
		 FROM stale
		 WHERE j.id = stale.id AND j.status = 'running' AND j.locked_at < $1
		 RETURNING `+prefixed("j", jobColumns),
		staleBefore, reason, now)
	if err != nil {
		return nil, fmt.Errorf("release stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) FailQueuedJobs(ctx context.Context, runID uuid.UUID, reason string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET status = 'failed', last_error = $2, finished_at = $3, updated_at = $3
		 WHERE run_id = $1 AND status = 'queued'`,
		runID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("fail queued jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobErrors(ctx context.Context, runID uuid.UUID, limit int) ([]models.JobError, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, content_ref, status, attempt_count, last_error, updated_at
		 FROM analysis_jobs
		 WHERE run_id = $1 AND last_error IS NOT NULL
		 ORDER BY updated_at DESC, id
		 LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job errors: %w", err)
	}
	defer rows.Close()

	errs := []models.JobError{}
	for rows.Next() {
		var e models.JobError
		if err := rows.Scan(&e.JobID, &e.ContentRef, &e.Status, &e.AttemptCount, &e.Error, &e.At); err != nil {
			return nil, fmt.Errorf("scan job error: %w", err)
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

// --- Results ---

func (s *PostgresStore) SaveResult(ctx context.Context, r *models.AnalysisResult) error {
	evidence := r.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_results (id, job_id, run_id, content_ref, fingerprint, configuration_id,
		   score, comment, evidence, detail, raw, provider, model, duration_ms, tokens_used, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (job_id) DO NOTHING`,
		r.ID, r.JobID, r.RunID, r.ContentRef, r.Fingerprint, r.ConfigurationID,
		r.Score, r.Comment, evidence, r.Detail, r.Raw, r.Provider, r.Model, r.DurationMs,
		r.TokensUsed, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasScoredContent(ctx context.Context, contentRef, fingerprint, configurationID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM analysis_results res
		   JOIN analysis_jobs j ON j.id = res.job_id
		   WHERE res.content_ref = $1 AND res.fingerprint = $2 AND res.configuration_id = $3
		     AND j.status = 'succeeded'
		 )`, contentRef, fingerprint, configurationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has scored content: %w", err)
	}
	return exists, nil
}

// --- Contents ---

func (s *PostgresStore) FetchContent(ctx context.Context, ref string) (string, error) {
	var body string
	err := s.pool.QueryRow(ctx, `SELECT body FROM contents WHERE content_ref = $1`, ref).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fetch content: %w", err)
	}
	return body, nil
}

func (s *PostgresStore) PutContent(ctx context.Context, ref, body string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contents (content_ref, body, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (content_ref) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`,
		ref, body)
	if err != nil {
		return fmt.Errorf("put content: %w", err)
	}
	return nil
}

// --- scanning ---

func scanRun(row pgx.Row) (*models.Run, error) {
	var r models.Run
	err := row.Scan(&r.ID, &r.OwnerID, &r.TargetID, &r.ConfigurationID, &r.PromptTemplate, &r.Status,
		&r.TotalUnits, &r.QueuedCount, &r.SucceededCount, &r.FailedCount, &r.SkippedCount, &r.MaxConcurrency,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.RunID, &j.ContentRef, &j.Status, &j.AttemptCount, &j.BadOutputs, &j.LockOwner, &j.LockedAt,
		&j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// prefixed qualifies every column of a column list with table alias a.
func prefixed(a, columns string) string {
	var out []byte
	start := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		if start && c != ' ' && c != '\t' && c != '\n' {
			out = append(out, a...)
			out = append(out, '.')
			start = false
		}
		out = append(out, c)
		if c == ',' {
			start = true
		}
	}
	return string(out)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isConstraintViolation(err error, name string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == name
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
