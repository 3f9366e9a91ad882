// Package worker implements the polling loop that drains internal/queue,
// runs a typed job under a hard timeout, and records the outcome.
// ScrapeJob rows carry no heartbeat_at column, so staleness is governed
// purely by domain.LockExpiry aging on locked_at and Worker runs no
// heartbeat goroutine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/catalogmirror/banner-scrape/internal/metrics"
	"github.com/catalogmirror/banner-scrape/internal/queue"
)

// JobTimeout is the hard wall-clock bound on a single job run.
const JobTimeout = 5 * time.Minute

// PollInterval is how long a Worker sleeps after finding the queue empty
// before trying lock_next again.
const PollInterval = 2 * time.Second

// Recoverable wraps an error that should be retried (upstream failure,
// session death, timeout). Unrecoverable errors (payload malformed, unknown
// target type) are left as plain errors and treated as terminal.
type Recoverable struct{ Err error }

func (r *Recoverable) Error() string { return r.Err.Error() }
func (r *Recoverable) Unwrap() error { return r.Err }

// Runner executes one ScrapeJob's target-type-specific logic, returning
// counts on success or a *Recoverable-wrapped error for a retryable
// failure (upstream/session/timeout). Any other error is Unrecoverable.
type Runner interface {
	Run(ctx context.Context, job *domain.ScrapeJob) (domain.UpsertCounts, error)
}

// Worker drains the queue on a poll loop, one job at a time per instance;
// run N Workers concurrently in one process for parallelism. The
// skip-locked read in internal/queue is the only synchronization point
// between them.
type Worker struct {
	id           string
	queue        *queue.Queue
	runner       Runner
	pollInterval time.Duration
	log          *slog.Logger
}

func New(id string, q *queue.Queue, runner Runner, pollInterval time.Duration, log *slog.Logger) *Worker {
	return &Worker{
		id:           id,
		queue:        q,
		runner:       runner,
		pollInterval: pollInterval,
		log:          log.With("component", "worker", "worker_id", id),
	}
}

// Run loops until ctx is canceled. On each empty lock_next it sleeps
// pollInterval before trying again.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started")
	defer w.log.Info("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.LockNext(ctx)
		if err != nil {
			w.log.Error("lock_next failed", "error", err)
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

// process runs one claimed job end to end: bound it by JobTimeout, dispatch
// to the Runner, and resolve the outcome (complete, retry, or exhaust).
func (w *Worker) process(ctx context.Context, job *domain.ScrapeJob) {
	runCtx, cancel := context.WithTimeout(ctx, JobTimeout)
	defer cancel()

	metrics.JobPickupLatency.Observe(time.Since(job.QueuedAt).Seconds())
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	started := time.Now()
	counts, runErr := w.runJob(runCtx, job)
	duration := time.Since(started)
	metrics.JobExecutionDuration.WithLabelValues(string(job.TargetType)).Observe(duration.Seconds())

	result := &domain.ScrapeJobResult{
		JobID:        job.ID,
		TargetType:   job.TargetType,
		Payload:      job.TargetPayload,
		Priority:     job.Priority,
		QueuedAt:     job.QueuedAt,
		StartedAt:    started,
		DurationMS:   duration.Milliseconds(),
		RetryCount:   job.RetryCount,
	}

	if runErr == nil {
		result.Success = true
		result.CoursesFetched = counts.CoursesFetched
		result.CoursesChanged = counts.CoursesChanged
		result.CoursesUnchanged = counts.CoursesUnchanged
		result.AuditsGenerated = counts.AuditsGenerated
		result.MetricsGenerated = counts.MetricsGenerated
		if err := w.queue.InsertResult(ctx, result); err != nil {
			// A failure in the result-writing phase is a database error,
			// not a scrape failure: treat the job as if it had failed
			// Recoverable so it can be retried after operator inspection,
			// rather than completing with no JobResult row to show for it.
			w.log.Error("insert result failed", "job_id", job.ID, "error", err)
			w.retryOrExhaust(ctx, job)
			return
		}
		if err := w.queue.Complete(ctx, job.ID, subjectFromPayload(job)); err != nil {
			w.log.Error("complete failed", "job_id", job.ID, "error", err)
		}
		w.log.Info("job completed", "job_id", job.ID, "duration", duration, "courses_changed", counts.CoursesChanged)
		metrics.JobsCompletedTotal.WithLabelValues("success").Inc()
		metrics.CoursesUpsertedTotal.WithLabelValues("true").Add(float64(counts.CoursesChanged))
		metrics.CoursesUpsertedTotal.WithLabelValues("false").Add(float64(counts.CoursesUnchanged))
		return
	}

	errMsg := runErr.Error()
	result.ErrorMessage = &errMsg

	// On shutdown mid-run, leave retry_count untouched and unlock so the
	// next pass picks the job back up unchanged.
	if ctx.Err() != nil && runCtx.Err() != nil {
		if err := w.queue.InsertResult(ctx, result); err != nil {
			w.log.Error("insert result failed", "job_id", job.ID, "error", err)
		}
		if err := w.queue.Unlock(context.Background(), job.ID); err != nil {
			w.log.Error("unlock on shutdown failed", "job_id", job.ID, "error", err)
		}
		return
	}

	var recov *Recoverable
	isRecoverable := errors.As(runErr, &recov) || errors.Is(runErr, context.DeadlineExceeded)

	if err := w.queue.InsertResult(ctx, result); err != nil {
		// Same database-error rule as the success path: a job whose result
		// row couldn't be written is retried, even if its own failure was
		// terminal, so nothing disappears without an audit trail.
		w.log.Error("insert result failed", "job_id", job.ID, "error", err)
		isRecoverable = true
	}

	if !isRecoverable {
		if err := w.queue.Delete(ctx, job.ID); err != nil {
			w.log.Error("delete unrecoverable job failed", "job_id", job.ID, "error", err)
		}
		w.log.Warn("job failed unrecoverably", "job_id", job.ID, "error", errMsg)
		metrics.JobsCompletedTotal.WithLabelValues("deleted").Inc()
		return
	}

	w.retryOrExhaust(ctx, job)
}

// retryOrExhaust resolves a Recoverable failure: requeue with jittered
// backoff while retry budget remains, exhaust once it is spent.
func (w *Worker) retryOrExhaust(ctx context.Context, job *domain.ScrapeJob) {
	if job.RetryCount+1 < job.MaxRetries {
		executeAt := time.Now().Add(retryBackoff(job.RetryCount))
		if err := w.queue.Retry(ctx, job.ID, job.RetryCount+1, executeAt); err != nil {
			w.log.Error("retry failed", "job_id", job.ID, "error", err)
		}
		w.log.Warn("job failed, retrying", "job_id", job.ID, "retry", job.RetryCount+1, "max_retries", job.MaxRetries, "execute_at", executeAt)
		metrics.JobsCompletedTotal.WithLabelValues("retried").Inc()
		return
	}

	if err := w.queue.Exhaust(ctx, job.ID); err != nil {
		w.log.Error("exhaust failed", "job_id", job.ID, "error", err)
	}
	w.log.Warn("job exhausted retries", "job_id", job.ID, "retry_count", job.RetryCount)
	metrics.JobsCompletedTotal.WithLabelValues("exhausted").Inc()
}

func (w *Worker) runJob(ctx context.Context, job *domain.ScrapeJob) (counts domain.UpsertCounts, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Recoverable{Err: fmt.Errorf("job panicked: %v", r)}
		}
	}()
	return w.runner.Run(ctx, job)
}

// subjectFromPayload best-effort extracts a subject for the Completed
// event, when the job's payload carries one.
func subjectFromPayload(job *domain.ScrapeJob) *string {
	subj, ok := extractSubject(job)
	if !ok {
		return nil
	}
	return &subj
}

// retryBackoff applies jittered exponential backoff, capped at 10 minutes,
// so a retried job doesn't hammer a rate-limited upstream during a
// transient outage.
func retryBackoff(retryCount int) time.Duration {
	base := 15 * time.Second
	delay := base << retryCount
	if delay > 10*time.Minute || delay <= 0 {
		delay = 10 * time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(delay/2))) - delay/4
	return delay + jitter
}

// Pool runs N Workers concurrently in one process and waits for all of
// them to exit on shutdown.
type Pool struct {
	workers []*Worker
}

func NewPool(count int, q *queue.Queue, runner Runner, pollInterval time.Duration, log *slog.Logger) *Pool {
	workers := make([]*Worker, count)
	for i := range workers {
		workers[i] = New(fmt.Sprintf("worker-%d", i), q, runner, pollInterval, log)
	}
	return &Pool{workers: workers}
}

func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()
}
