// Package queue implements the durable priority queue wrapping
// internal/store/postgres's raw SKIP LOCKED operations and emitting
// domain events after each commit.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/catalogmirror/banner-scrape/internal/events"
	"github.com/catalogmirror/banner-scrape/internal/store/postgres"
)

// Store is the subset of postgres.JobStore that Queue depends on; declared
// as an interface so tests can substitute an in-memory fake.
type Store interface {
	LockNext(ctx context.Context) (*domain.ScrapeJob, error)
	Delete(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64, retryCount int, executeAt time.Time) error
	Unlock(ctx context.Context, id int64) error
	ForceUnlockAll(ctx context.Context) (int, error)
	BatchInsert(ctx context.Context, jobs []postgres.NewScrapeJob) ([]*domain.ScrapeJob, error)
	FindExistingPayloads(ctx context.Context, targetType domain.TargetType, candidates [][]byte) (map[string]bool, error)
	InsertResult(ctx context.Context, r *domain.ScrapeJobResult) error
}

type Queue struct {
	store Store
	bus   *events.Bus
}

func New(store Store, bus *events.Bus) *Queue {
	return &Queue{store: store, bus: bus}
}

// LockNext atomically claims the single best-priority due job and emits
// Locked. Returns (nil, nil) when the queue is empty.
func (q *Queue) LockNext(ctx context.Context) (*domain.ScrapeJob, error) {
	job, err := q.store.LockNext(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock_next: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	status := domain.StatusProcessing
	lockedAt := time.Now()
	q.bus.Publish(domain.DomainEvent{
		Kind: domain.EventScrapeJobLocked,
		ScrapeJob: &domain.ScrapeJobEvent{
			ID: job.ID, Status: &status, LockedAt: &lockedAt,
			TargetType: &job.TargetType, Priority: &job.Priority,
		},
	})
	return job, nil
}

// Complete deletes the row and emits Completed; subject is best-effort,
// extracted from the job's own payload by the caller (Worker has already
// parsed it).
func (q *Queue) Complete(ctx context.Context, jobID int64, subject *string) error {
	if err := q.store.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	q.bus.Publish(domain.DomainEvent{
		Kind:      domain.EventScrapeJobCompleted,
		ScrapeJob: &domain.ScrapeJobEvent{ID: jobID, Subject: subject},
	})
	return nil
}

// Retry clears the lock, bumps retry_count, and reschedules execute_at,
// then emits Retried. executeAt is the caller's choice of next attempt
// time; internal/worker schedules it with jittered exponential backoff.
func (q *Queue) Retry(ctx context.Context, jobID int64, retryCount int, executeAt time.Time) error {
	if err := q.store.Retry(ctx, jobID, retryCount, executeAt); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	status := domain.StatusPending
	queuedAt := time.Now()
	q.bus.Publish(domain.DomainEvent{
		Kind: domain.EventScrapeJobRetried,
		ScrapeJob: &domain.ScrapeJobEvent{
			ID: jobID, Status: &status, RetryCount: &retryCount, QueuedAt: &queuedAt,
		},
	})
	return nil
}

// Exhaust deletes the row after retries are spent, emitting Exhausted then
// Deleted so subscribers can evict the id from any known_ids tracking.
func (q *Queue) Exhaust(ctx context.Context, jobID int64) error {
	if err := q.store.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("exhaust: %w", err)
	}
	q.bus.Publish(domain.DomainEvent{Kind: domain.EventScrapeJobExhausted, ScrapeJob: &domain.ScrapeJobEvent{ID: jobID}})
	q.bus.Publish(domain.DomainEvent{Kind: domain.EventScrapeJobDeleted, ScrapeJob: &domain.ScrapeJobEvent{ID: jobID}})
	return nil
}

// Delete removes an Unrecoverable job outright, without a retry/exhaust
// cycle; emits Deleted directly.
func (q *Queue) Delete(ctx context.Context, jobID int64) error {
	if err := q.store.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	q.bus.Publish(domain.DomainEvent{Kind: domain.EventScrapeJobDeleted, ScrapeJob: &domain.ScrapeJobEvent{ID: jobID}})
	return nil
}

// Unlock clears the lock without touching retry_count, used on graceful
// shutdown so the job is picked back up unchanged next pass. No event is
// published — from a subscriber's perspective the job's visible state
// (Pending) hasn't semantically changed yet.
func (q *Queue) Unlock(ctx context.Context, jobID int64) error {
	return q.store.Unlock(ctx, jobID)
}

// ForceUnlockAll recovers from an unclean shutdown; must run before
// workers start.
func (q *Queue) ForceUnlockAll(ctx context.Context) (int, error) {
	return q.store.ForceUnlockAll(ctx)
}

// BatchInsertCandidate is an unsaved job the AdaptiveScheduler wants
// enqueued, keyed by a JSON-encodable payload for dedup purposes.
type BatchInsertCandidate struct {
	TargetType domain.TargetType
	Payload    any
	Priority   domain.ScrapePriority
	ExecuteAt  time.Time
	MaxRetries int
}

// BatchInsert filters candidates already present via FindExistingPayloads,
// inserts the survivors, and emits Created for each.
func (q *Queue) BatchInsert(ctx context.Context, candidates []BatchInsertCandidate) ([]*domain.ScrapeJob, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	encoded := make([][]byte, len(candidates))
	for i, c := range candidates {
		raw, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload %d: %w", i, err)
		}
		encoded[i] = raw
	}

	existing, err := q.store.FindExistingPayloads(ctx, candidates[0].TargetType, encoded)
	if err != nil {
		return nil, fmt.Errorf("find existing payloads: %w", err)
	}

	var toInsert []postgres.NewScrapeJob
	for i, c := range candidates {
		if existing[string(encoded[i])] {
			continue
		}
		toInsert = append(toInsert, postgres.NewScrapeJob{
			TargetType:    c.TargetType,
			TargetPayload: encoded[i],
			Priority:      c.Priority,
			ExecuteAt:     c.ExecuteAt,
			MaxRetries:    c.MaxRetries,
		})
	}
	if len(toInsert) == 0 {
		return nil, nil
	}

	inserted, err := q.store.BatchInsert(ctx, toInsert)
	if err != nil {
		return nil, fmt.Errorf("batch insert: %w", err)
	}

	for _, job := range inserted {
		j := job
		q.bus.Publish(domain.DomainEvent{
			Kind: domain.EventScrapeJobCreated,
			ScrapeJob: &domain.ScrapeJobEvent{
				ID: j.ID, TargetType: &j.TargetType, Priority: &j.Priority, QueuedAt: &j.QueuedAt,
			},
		})
	}
	return inserted, nil
}

// InsertResult appends a finished attempt to the results log — used by
// Worker after every job outcome, success or failure.
func (q *Queue) InsertResult(ctx context.Context, r *domain.ScrapeJobResult) error {
	return q.store.InsertResult(ctx, r)
}
