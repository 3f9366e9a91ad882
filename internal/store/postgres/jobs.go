package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobStore is the raw SQL layer backing internal/queue.Queue. It has no
// opinion on domain events; internal/queue wraps it to publish them only
// after each commit succeeds.
type JobStore struct {
	pool *pgxpool.Pool
}

func NewJobStore(pool *pgxpool.Pool) *JobStore { return &JobStore{pool: pool} }

// LockNext performs the single atomic selection that makes the queue
// safe across concurrent workers: FOR UPDATE SKIP LOCKED on the
// best-priority due row, locked_at stamped in the same transaction.
func (s *JobStore) LockNext(ctx context.Context) (*domain.ScrapeJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lock_next: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE scrape_jobs
		SET    locked_at = NOW()
		WHERE id = (
			SELECT id FROM scrape_jobs
			WHERE  (locked_at IS NULL OR locked_at < NOW() - make_interval(mins => $1))
			  AND  execute_at <= NOW()
			ORDER BY priority DESC, execute_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, target_type, target_payload, priority, execute_at,
		          queued_at, locked_at, retry_count, max_retries`,
		int(domain.LockExpiry.Minutes()))

	job, err := scanScrapeJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lock_next: %w", err)
	}
	return job, nil
}

// Delete removes the row outright (used by Complete and Exhaust/Deleted).
func (s *JobStore) Delete(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scrape_jobs WHERE id = $1`, id)
	return err
}

// Retry clears the lock, bumps retry_count, and reschedules execute_at.
// No backoff is applied here; callers that want jittered backoff compute
// executeAt before calling Retry.
func (s *JobStore) Retry(ctx context.Context, id int64, retryCount int, executeAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs
		SET    locked_at   = NULL,
		       retry_count = $2,
		       queued_at   = NOW(),
		       execute_at  = $3
		WHERE id = $1`, id, retryCount, executeAt)
	return err
}

// Unlock clears locked_at without touching retry_count, used on graceful
// shutdown so the next worker pass picks the job back up unchanged.
func (s *JobStore) Unlock(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE scrape_jobs SET locked_at = NULL WHERE id = $1`, id)
	return err
}

// ForceUnlockAll clears every lock at startup, recovering from an unclean
// shutdown. Must run before workers start.
func (s *JobStore) ForceUnlockAll(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE scrape_jobs SET locked_at = NULL WHERE locked_at IS NOT NULL`)
	return int(tag.RowsAffected()), err
}

// BatchInsert bulk-inserts jobs via UNNEST in a single round trip.
// Returns the inserted rows with their assigned ids, in insertion order,
// so callers can emit a Created event per row.
func (s *JobStore) BatchInsert(ctx context.Context, jobs []NewScrapeJob) ([]*domain.ScrapeJob, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	targetTypes := make([]string, len(jobs))
	payloads := make([]string, len(jobs))
	priorities := make([]string, len(jobs))
	executeAts := make([]time.Time, len(jobs))
	maxRetries := make([]int, len(jobs))

	for i, j := range jobs {
		targetTypes[i] = string(j.TargetType)
		payloads[i] = string(j.TargetPayload)
		priorities[i] = string(j.Priority)
		executeAts[i] = j.ExecuteAt
		maxRetries[i] = j.MaxRetries
	}

	rows, err := s.pool.Query(ctx, `
		INSERT INTO scrape_jobs (target_type, target_payload, priority, execute_at, queued_at, max_retries)
		SELECT t::target_type, p::jsonb, pr::scrape_priority, ea, NOW(), mr
		FROM UNNEST($1::text[], $2::text[], $3::text[], $4::timestamptz[], $5::int4[])
			AS u(t, p, pr, ea, mr)
		RETURNING id, target_type, target_payload, priority, execute_at,
		          queued_at, locked_at, retry_count, max_retries`,
		targetTypes, payloads, priorities, executeAts, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("batch insert scrape jobs: %w", err)
	}
	defer rows.Close()

	var inserted []*domain.ScrapeJob
	for rows.Next() {
		j, err := scanScrapeJob(rows)
		if err != nil {
			return nil, err
		}
		inserted = append(inserted, j)
	}
	return inserted, rows.Err()
}

// NewScrapeJob is the insert shape for BatchInsert, distinct from
// domain.ScrapeJob because id/queued_at/locked_at/retry_count are all
// server-assigned.
type NewScrapeJob struct {
	TargetType    domain.TargetType
	TargetPayload []byte
	Priority      domain.ScrapePriority
	ExecuteAt     time.Time
	MaxRetries    int
}

// FindExistingPayloads is the AdaptiveScheduler's dedup helper: given a
// target type and a set of candidate JSON payloads, returns the subset
// that already has an outstanding (unlocked or locked) row.
func (s *JobStore) FindExistingPayloads(ctx context.Context, targetType domain.TargetType, candidates [][]byte) (map[string]bool, error) {
	if len(candidates) == 0 {
		return map[string]bool{}, nil
	}
	encoded := make([]string, len(candidates))
	for i, c := range candidates {
		encoded[i] = string(c)
	}

	// Compare as jsonb so key order/whitespace differences between the
	// candidate encoding and the stored column don't defeat the dedup, but
	// return the candidate's own text so callers can key a map on it.
	rows, err := s.pool.Query(ctx, `
		SELECT elem FROM unnest($2::text[]) AS elem
		WHERE EXISTS (
			SELECT 1 FROM scrape_jobs
			WHERE target_type = $1::target_type AND target_payload = elem::jsonb
		)`,
		string(targetType), encoded)
	if err != nil {
		return nil, fmt.Errorf("find existing payloads: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		existing[payload] = true
	}
	return existing, rows.Err()
}

// InsertResult appends a finished attempt to the immutable results log.
func (s *JobStore) InsertResult(ctx context.Context, r *domain.ScrapeJobResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scrape_job_results (
			job_id, target_type, payload, priority, queued_at, started_at,
			duration_ms, success, error_message, retry_count,
			courses_fetched, courses_changed, courses_unchanged,
			audits_generated, metrics_generated, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW())`,
		r.JobID, string(r.TargetType), r.Payload, string(r.Priority), r.QueuedAt, r.StartedAt,
		r.DurationMS, r.Success, r.ErrorMessage, r.RetryCount,
		r.CoursesFetched, r.CoursesChanged, r.CoursesUnchanged,
		r.AuditsGenerated, r.MetricsGenerated)
	return err
}

// FetchSubjectStats computes the per-subject rolling window
// AdaptiveScheduler consumes: a window of the most recent 20 runs per
// subject over the trailing 24h, with consecutive-zero-change and
// consecutive-empty-fetch run lengths derived via ROW_NUMBER()/MIN()-FILTER.
func (s *JobStore) FetchSubjectStats(ctx context.Context, term string) ([]domain.SubjectStats, error) {
	rows, err := s.pool.Query(ctx, `
		WITH recent AS (
			SELECT
				payload->>'subject' AS subject,
				completed_at,
				success,
				courses_fetched,
				courses_changed,
				ROW_NUMBER() OVER (
					PARTITION BY payload->>'subject'
					ORDER BY completed_at DESC
				) AS rn
			FROM scrape_job_results
			WHERE target_type = 'subject'
			  AND payload->>'term' = $1
			  AND completed_at > NOW() - INTERVAL '24 hours'
		),
		filtered AS (
			SELECT * FROM recent WHERE rn <= 20
		),
		zero_break AS (
			SELECT
				subject,
				MIN(rn) FILTER (WHERE courses_changed > 0) AS first_nonzero_rn,
				MIN(rn) FILTER (WHERE courses_fetched > 0) AS first_nonempty_rn
			FROM filtered
			GROUP BY subject
		)
		SELECT
			f.subject,
			COUNT(*) AS recent_runs,
			COALESCE(AVG(
				CASE WHEN f.courses_fetched > 0
				     THEN f.courses_changed::float8 / f.courses_fetched
				     ELSE 0 END
			), 0) AS avg_change_ratio,
			COALESCE(
				CASE WHEN zb.first_nonzero_rn IS NULL THEN COUNT(*)
				     ELSE zb.first_nonzero_rn - 1 END, 0
			) AS consecutive_zero_changes,
			COALESCE(
				CASE WHEN zb.first_nonempty_rn IS NULL THEN COUNT(*)
				     ELSE zb.first_nonempty_rn - 1 END, 0
			) AS consecutive_empty_fetches,
			COUNT(*) FILTER (WHERE NOT f.success) AS recent_failure_count,
			COUNT(*) FILTER (WHERE f.success) AS recent_success_count,
			MAX(f.completed_at) AS last_completed
		FROM filtered f
		LEFT JOIN zero_break zb ON zb.subject = f.subject
		GROUP BY f.subject, zb.first_nonzero_rn, zb.first_nonempty_rn`, term)
	if err != nil {
		return nil, fmt.Errorf("fetch subject stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.SubjectStats
	for rows.Next() {
		var st domain.SubjectStats
		var lastCompleted *time.Time
		if err := rows.Scan(
			&st.Subject, &st.RecentRuns, &st.AvgChangeRatio,
			&st.ConsecutiveZeroChanges, &st.ConsecutiveEmptyFetches,
			&st.RecentFailureCount, &st.RecentSuccessCount, &lastCompleted,
		); err != nil {
			return nil, err
		}
		st.LastCompleted = lastCompleted
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// ListActive returns every outstanding job (pending or locked), used by
// StreamHub to build a ScrapeJobs subscription's initial snapshot. The
// table only ever holds outstanding work, so this is the full table scan,
// not a windowed query.
func (s *JobStore) ListActive(ctx context.Context) ([]*domain.ScrapeJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, target_type, target_payload, priority, execute_at,
		       queued_at, locked_at, retry_count, max_retries
		FROM scrape_jobs
		ORDER BY priority DESC, execute_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active scrape jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.ScrapeJob
	for rows.Next() {
		j, err := scanScrapeJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScrapeJob(row rowScanner) (*domain.ScrapeJob, error) {
	var j domain.ScrapeJob
	var targetType, priority string
	err := row.Scan(
		&j.ID, &targetType, &j.TargetPayload, &priority, &j.ExecuteAt,
		&j.QueuedAt, &j.LockedAt, &j.RetryCount, &j.MaxRetries,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScrapeJobNotFound
		}
		return nil, fmt.Errorf("scan scrape job: %w", err)
	}
	j.TargetType = domain.TargetType(targetType)
	j.Priority = domain.ScrapePriority(priority)
	return &j, nil
}
