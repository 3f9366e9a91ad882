package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/adaptive"
	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/catalogmirror/banner-scrape/internal/events"
)

// Computed stream kinds: aggregated stats, timeseries, per-subject health.
const (
	ComputedAggregate     = "aggregate"
	ComputedTimeseries    = "timeseries"
	ComputedSubjectHealth = "subject_health"
)

// debounceWindow is the fixed recompute debounce applied after each
// triggering event.
const debounceWindow = time.Second

// AggregateStats is ComputedAggregate's value shape: a point-in-time
// census of the job queue.
type AggregateStats struct {
	Pending    int `json:"pending"`
	Scheduled  int `json:"scheduled"`
	Processing int `json:"processing"`
	StaleLock  int `json:"staleLock"`
	Exhausted  int `json:"exhausted"`
}

// TimeseriesPoint is one bucket of ComputedTimeseries's value, a trailing
// audit-volume histogram.
type TimeseriesPoint struct {
	BucketStart time.Time `json:"bucketStart"`
	AuditCount  int       `json:"auditCount"`
}

// SubjectHealthEntry is one row of ComputedSubjectHealth's value: a
// subject's rolling stats plus the schedule decision AdaptiveScheduler
// would currently reach for it.
type SubjectHealthEntry struct {
	Term           string                  `json:"term"`
	Subject        string                  `json:"subject"`
	Stats          domain.SubjectStats     `json:"stats"`
	ScheduleKind   adaptive.ScheduleKind   `json:"scheduleKind"`
}

// ComputedJobStore is the job-queue half of what computed recomputation
// reads.
type ComputedJobStore interface {
	ListActive(ctx context.Context) ([]*domain.ScrapeJob, error)
}

// ComputedAuditStore is the audit half.
type ComputedAuditStore interface {
	ListRecentAudits(ctx context.Context, limit int) ([]domain.AuditEntry, error)
}

// ComputedSubjectStore is the subject-health half, shared with
// internal/adaptive.
type ComputedSubjectStore interface {
	EnabledTermCodes(ctx context.Context) ([]string, error)
	FetchSubjectStats(ctx context.Context, term string) ([]domain.SubjectStats, error)
}

// computedTask is the background task that watches the EventBus,
// debounces, recomputes each actively-subscribed kind from Store, diffs
// against the cached value, and republishes changes onto the same
// EventBus so every connection's existing dispatch loop relays them —
// this reuses the cursor/lag/resync machinery Hub already has instead of
// maintaining a second fan-out path.
type computedTask struct {
	bus    *events.Bus
	jobs   ComputedJobStore
	audits ComputedAuditStore
	subj   ComputedSubjectStore
	log    *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	refCounts   map[string]int
	cached      map[string]string // kind -> last published value, JSON-encoded for cheap diffing
	cachedValue map[string]any
}

func newComputedTask(bus *events.Bus, jobs ComputedJobStore, audits ComputedAuditStore, subj ComputedSubjectStore, log *slog.Logger) *computedTask {
	return &computedTask{
		bus:       bus,
		jobs:      jobs,
		audits:    audits,
		subj:      subj,
		log:       log.With("component", "computed_stream"),
		now:       time.Now,
		refCounts:   make(map[string]int),
		cached:      make(map[string]string),
		cachedValue: make(map[string]any),
	}
}

// subscribe increments kind's refcount and returns its current value,
// computing it synchronously if this is the first subscriber.
func (t *computedTask) subscribe(ctx context.Context, kind string) (any, error) {
	t.mu.Lock()
	t.refCounts[kind]++
	t.mu.Unlock()

	return t.computeAndCache(ctx, kind, false)
}

// currentValue returns kind's cached value without touching its refcount,
// computing it fresh if nothing is cached yet; used when resyncing an
// already-active subscription after the connection lagged.
func (t *computedTask) currentValue(ctx context.Context, kind string) (any, error) {
	t.mu.Lock()
	v, ok := t.cachedValue[kind]
	t.mu.Unlock()
	if ok {
		return v, nil
	}
	return t.computeAndCache(ctx, kind, false)
}

// unsubscribe decrements kind's refcount, dropping the cached value once
// the last subscriber leaves.
func (t *computedTask) unsubscribe(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refCounts[kind] <= 1 {
		delete(t.refCounts, kind)
		delete(t.cached, kind)
		delete(t.cachedValue, kind)
		return
	}
	t.refCounts[kind]--
}

func (t *computedTask) run(ctx context.Context) {
	t.log.Info("computed stream task started")
	defer t.log.Info("computed stream task stopped")

	_, bsub := t.bus.Subscribe()
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-bsub.Changed():
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceWindow)
			}
			timerC = timer.C
		case <-timerC:
			t.recomputeAll(ctx)
			timerC = nil
		}
	}
}

func (t *computedTask) activeKinds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	kinds := make([]string, 0, len(t.refCounts))
	for k, n := range t.refCounts {
		if n > 0 {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (t *computedTask) recomputeAll(ctx context.Context) {
	for _, kind := range t.activeKinds() {
		if _, err := t.computeAndCache(ctx, kind, true); err != nil {
			t.log.Error("computed recompute failed", "kind", kind, "error", err)
		}
	}
}

// computeAndCache recomputes kind, and when publish is true only
// republishes it if the JSON-encoded value actually changed.
func (t *computedTask) computeAndCache(ctx context.Context, kind string, publish bool) (any, error) {
	value, err := t.compute(ctx, kind)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	changed := t.cached[kind] != string(encoded)
	t.cached[kind] = string(encoded)
	t.cachedValue[kind] = value
	t.mu.Unlock()

	if publish && changed {
		t.bus.Publish(domain.DomainEvent{
			Kind:     domain.EventComputedUpdate,
			Computed: &domain.ComputedEvent{Kind: kind, Value: value},
		})
	}
	return value, nil
}

func (t *computedTask) compute(ctx context.Context, kind string) (any, error) {
	switch kind {
	case ComputedAggregate:
		return t.computeAggregate(ctx)
	case ComputedTimeseries:
		return t.computeTimeseries(ctx)
	case ComputedSubjectHealth:
		return t.computeSubjectHealth(ctx)
	default:
		return nil, nil
	}
}

func (t *computedTask) computeAggregate(ctx context.Context) (AggregateStats, error) {
	jobs, err := t.jobs.ListActive(ctx)
	if err != nil {
		return AggregateStats{}, err
	}
	var stats AggregateStats
	now := t.now()
	for _, j := range jobs {
		switch j.DerivedStatus(now) {
		case domain.StatusPending:
			stats.Pending++
		case domain.StatusScheduled:
			stats.Scheduled++
		case domain.StatusProcessing:
			stats.Processing++
		case domain.StatusStaleLock:
			stats.StaleLock++
		case domain.StatusExhausted:
			stats.Exhausted++
		}
	}
	return stats, nil
}

// computeTimeseries buckets the last 24h of audit entries into hourly
// counts, oldest first.
func (t *computedTask) computeTimeseries(ctx context.Context) ([]TimeseriesPoint, error) {
	entries, err := t.audits.ListRecentAudits(ctx, 5000)
	if err != nil {
		return nil, err
	}

	now := t.now()
	const buckets = 24
	counts := make([]int, buckets)
	cutoff := now.Add(-buckets * time.Hour)
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		age := now.Sub(e.Timestamp)
		idx := buckets - 1 - int(age/time.Hour)
		if idx < 0 || idx >= buckets {
			continue
		}
		counts[idx]++
	}

	points := make([]TimeseriesPoint, buckets)
	for i := range points {
		points[i] = TimeseriesPoint{
			BucketStart: cutoff.Add(time.Duration(i) * time.Hour).Truncate(time.Hour),
			AuditCount:  counts[i],
		}
	}
	return points, nil
}

func (t *computedTask) computeSubjectHealth(ctx context.Context) ([]SubjectHealthEntry, error) {
	terms, err := t.subj.EnabledTermCodes(ctx)
	if err != nil {
		return nil, err
	}

	now := t.now()
	var out []SubjectHealthEntry
	for _, term := range terms {
		stats, err := t.subj.FetchSubjectStats(ctx, term)
		if err != nil {
			return nil, err
		}
		for _, st := range stats {
			decision := adaptive.DecideSubjectSchedule(st, now, false)
			out = append(out, SubjectHealthEntry{Term: term, Subject: st.Subject, Stats: st, ScheduleKind: decision.Kind})
		}
	}
	return out, nil
}
