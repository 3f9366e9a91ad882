package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/catalogmirror/banner-scrape/internal/events"
	"github.com/catalogmirror/banner-scrape/internal/store/postgres"
)

// fakeStore is an in-memory double for postgres.JobStore, used so Queue's
// event-publishing behavior can be tested without a database.
type fakeStore struct {
	mu       sync.Mutex
	jobs     map[int64]*domain.ScrapeJob
	nextID   int64
	deleted  map[int64]bool
	existing map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[int64]*domain.ScrapeJob), deleted: make(map[int64]bool), existing: make(map[string]bool)}
}

func (f *fakeStore) LockNext(ctx context.Context) (*domain.ScrapeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.LockedAt == nil {
			now := time.Now()
			j.LockedAt = &now
			return j, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	f.deleted[id] = true
	return nil
}

func (f *fakeStore) Retry(ctx context.Context, id int64, retryCount int, executeAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.LockedAt = nil
		j.RetryCount = retryCount
		j.ExecuteAt = executeAt
	}
	return nil
}

func (f *fakeStore) Unlock(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.LockedAt = nil
	}
	return nil
}

func (f *fakeStore) ForceUnlockAll(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.LockedAt != nil {
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) BatchInsert(ctx context.Context, jobs []postgres.NewScrapeJob) ([]*domain.ScrapeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var inserted []*domain.ScrapeJob
	for _, nj := range jobs {
		f.nextID++
		j := &domain.ScrapeJob{
			ID: f.nextID, TargetType: nj.TargetType, TargetPayload: nj.TargetPayload,
			Priority: nj.Priority, ExecuteAt: nj.ExecuteAt, QueuedAt: time.Now(), MaxRetries: nj.MaxRetries,
		}
		f.jobs[j.ID] = j
		f.existing[string(nj.TargetPayload)] = true
		inserted = append(inserted, j)
	}
	return inserted, nil
}

func (f *fakeStore) FindExistingPayloads(ctx context.Context, targetType domain.TargetType, candidates [][]byte) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for _, c := range candidates {
		if f.existing[string(c)] {
			out[string(c)] = true
		}
	}
	return out, nil
}

func (f *fakeStore) InsertResult(ctx context.Context, r *domain.ScrapeJobResult) error {
	return nil
}

func drainEvents(bus *events.Bus, cursor uint64, n int) []domain.DomainEvent {
	var out []domain.DomainEvent
	for len(out) < n {
		ev, ok := bus.Read(cursor)
		if !ok {
			break
		}
		out = append(out, ev)
		cursor++
	}
	return out
}

func TestLockNextThenCompleteEventOrder(t *testing.T) {
	store := newFakeStore()
	bus := events.NewBus(10)
	q := New(store, bus)
	ctx := context.Background()

	cursor, _ := bus.Subscribe()

	inserted, err := q.BatchInsert(ctx, []BatchInsertCandidate{
		{TargetType: domain.TargetSubject, Payload: map[string]string{"subject": "CS"}, Priority: domain.PriorityLow, ExecuteAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("batch insert: %v", err)
	}
	if len(inserted) != 1 {
		t.Fatalf("expected 1 inserted job, got %d", len(inserted))
	}

	job, err := q.LockNext(ctx)
	if err != nil || job == nil {
		t.Fatalf("lock_next: %v, job=%v", err, job)
	}

	if err := q.Complete(ctx, job.ID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	evs := drainEvents(bus, cursor, 3)
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	if evs[0].Kind != domain.EventScrapeJobCreated {
		t.Errorf("event 0 = %s, want Created", evs[0].Kind)
	}
	if evs[1].Kind != domain.EventScrapeJobLocked {
		t.Errorf("event 1 = %s, want Locked", evs[1].Kind)
	}
	if evs[2].Kind != domain.EventScrapeJobCompleted {
		t.Errorf("event 2 = %s, want Completed", evs[2].Kind)
	}
}

func TestBatchInsertDedupesAgainstExisting(t *testing.T) {
	store := newFakeStore()
	bus := events.NewBus(10)
	q := New(store, bus)
	ctx := context.Background()

	first, err := q.BatchInsert(ctx, []BatchInsertCandidate{
		{TargetType: domain.TargetSubject, Payload: map[string]string{"subject": "CS"}, Priority: domain.PriorityLow, ExecuteAt: time.Now()},
	})
	if err != nil || len(first) != 1 {
		t.Fatalf("first insert: %v, %v", first, err)
	}

	second, err := q.BatchInsert(ctx, []BatchInsertCandidate{
		{TargetType: domain.TargetSubject, Payload: map[string]string{"subject": "CS"}, Priority: domain.PriorityLow, ExecuteAt: time.Now()},
		{TargetType: domain.TargetSubject, Payload: map[string]string{"subject": "MATH"}, Priority: domain.PriorityLow, ExecuteAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected only MATH to survive dedup, got %d jobs", len(second))
	}
}

func TestExhaustEmitsExhaustedThenDeleted(t *testing.T) {
	store := newFakeStore()
	bus := events.NewBus(10)
	q := New(store, bus)
	ctx := context.Background()

	inserted, _ := q.BatchInsert(ctx, []BatchInsertCandidate{
		{TargetType: domain.TargetSubject, Payload: map[string]string{"subject": "CS"}, Priority: domain.PriorityLow, ExecuteAt: time.Now()},
	})
	cursor, _ := bus.Subscribe()

	if err := q.Exhaust(ctx, inserted[0].ID); err != nil {
		t.Fatalf("exhaust: %v", err)
	}

	evs := drainEvents(bus, cursor, 2)
	if len(evs) != 2 || evs[0].Kind != domain.EventScrapeJobExhausted || evs[1].Kind != domain.EventScrapeJobDeleted {
		t.Fatalf("unexpected event sequence: %+v", evs)
	}
}
