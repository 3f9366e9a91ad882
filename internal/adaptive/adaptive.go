// Package adaptive implements the AdaptiveScheduler: on a fixed ~60s tick,
// it reads per-subject change-rate statistics from Store and enqueues
// subject scrapes on a cadence that widens as a subject goes quiet and
// narrows when it starts changing, multiplied by a time-of-day factor
// evaluated in America/Chicago.
package adaptive

import (
	"context"
	"log/slog"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/catalogmirror/banner-scrape/internal/metrics"
	"github.com/catalogmirror/banner-scrape/internal/queue"
	"github.com/catalogmirror/banner-scrape/internal/store/postgres"
)

// TickInterval is the scheduler's fixed cadence.
const TickInterval = 60 * time.Second

// ProbeInterval is how long a Paused subject waits before a single probe
// scrape fires to test whether it should remain paused.
const ProbeInterval = 6 * time.Hour

// DefaultMaxRetries is applied to every scheduler-enqueued job; the
// original doesn't specify a scheduler-side retry budget, so this follows
// internal/worker's general retry posture.
const DefaultMaxRetries = 3

// ScheduleKind is the decision AdaptiveScheduler reaches for one subject.
type ScheduleKind string

const (
	KindReadOnly ScheduleKind = "read_only"
	KindPaused   ScheduleKind = "paused"
	KindEligible ScheduleKind = "eligible"
	KindCooldown ScheduleKind = "cooldown"
)

// SubjectSchedule is the per-subject decision; Interval is populated for
// Eligible (the interval that made it eligible, used only for logging),
// Remaining for Cooldown (time left until the next eligible check).
type SubjectSchedule struct {
	Kind      ScheduleKind
	Interval  time.Duration
	Remaining time.Duration
}

// baseInterval computes the change-rate tier before the time-of-day
// multiplier is applied.
func baseInterval(stats domain.SubjectStats) time.Duration {
	if stats.RecentRuns == 0 {
		return 3 * time.Minute
	}
	switch {
	case stats.AvgChangeRatio >= 0.10:
		return 3 * time.Minute
	case stats.AvgChangeRatio >= 0.05:
		return 5 * time.Minute
	case stats.AvgChangeRatio >= 0.01:
		return 15 * time.Minute
	case stats.AvgChangeRatio < 0.001:
		switch zr := stats.ConsecutiveZeroChanges; {
		case zr < 5:
			return 30 * time.Minute
		case zr < 10:
			return time.Hour
		case zr < 20:
			return 2 * time.Hour
		default:
			return 4 * time.Hour
		}
	default:
		return 30 * time.Minute
	}
}

// timeOfDayMultiplier evaluates the weekday/weekend and time-of-day bands
// in America/Chicago; getting this wrong in UTC would shift cadences by
// several hours around midnight.
func timeOfDayMultiplier(now time.Time) float64 {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return 4
	}

	h := local.Hour()
	switch {
	case h >= 8 && h < 18:
		return 1
	case h >= 18 && h < 24:
		return 2
	default: // 00:00-08:00
		return 4
	}
}

// DecideSubjectSchedule decides a subject's next-scrape eligibility,
// including the pause/probe carve-out and the cooldown/eligible split.
// termPast selects ReadOnly directly; the AdaptiveScheduler never passes
// true today (term-archival lifecycle is out of core scope), but the
// branch is kept so callers can short-circuit archived terms without a
// separate code path.
func DecideSubjectSchedule(stats domain.SubjectStats, now time.Time, termPast bool) SubjectSchedule {
	if termPast {
		return SubjectSchedule{Kind: KindReadOnly}
	}

	paused := stats.ConsecutiveEmptyFetches >= 3 ||
		(stats.RecentSuccessCount == 0 && stats.RecentFailureCount >= 5)
	if paused {
		if stats.LastCompleted != nil && now.Sub(*stats.LastCompleted) >= ProbeInterval {
			return SubjectSchedule{Kind: KindEligible, Interval: ProbeInterval}
		}
		return SubjectSchedule{Kind: KindPaused}
	}

	effective := time.Duration(float64(baseInterval(stats)) * timeOfDayMultiplier(now))

	if stats.LastCompleted == nil {
		return SubjectSchedule{Kind: KindEligible, Interval: effective}
	}
	elapsed := now.Sub(*stats.LastCompleted)
	if elapsed >= effective {
		return SubjectSchedule{Kind: KindEligible, Interval: effective}
	}
	return SubjectSchedule{Kind: KindCooldown, Remaining: effective - elapsed}
}

// Store is the subset of term/subject data AdaptiveScheduler reads each
// tick; declared as an interface so tests can substitute an in-memory fake.
type Store interface {
	EnabledTermCodes(ctx context.Context) ([]string, error)
	FetchSubjectStats(ctx context.Context, term string) ([]domain.SubjectStats, error)
}

// SubjectEnumerator lists the known subject codes for a term, from the
// reference cache or a subjects metadata call; *postgres.ReferenceStore
// implements this directly.
type SubjectEnumerator interface {
	Codes(category postgres.ReferenceCategory) []string
}

// Enqueuer is the subset of queue.Queue AdaptiveScheduler needs.
type Enqueuer interface {
	BatchInsert(ctx context.Context, candidates []queue.BatchInsertCandidate) ([]*domain.ScrapeJob, error)
}

// Scheduler drives the periodic tick; construct one per process.
type Scheduler struct {
	store    Store
	subjects SubjectEnumerator
	queue    Enqueuer
	log      *slog.Logger
	now      func() time.Time
}

func New(store Store, subjects SubjectEnumerator, q Enqueuer, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		subjects: subjects,
		queue:    q,
		log:      log.With("component", "adaptive_scheduler"),
		now:      time.Now,
	}
}

// Run ticks every TickInterval until ctx is canceled, running one tick
// immediately on start.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("adaptive scheduler started", "tick_interval", TickInterval)
	defer s.log.Info("adaptive scheduler stopped")

	s.tick(ctx)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	started := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(started).Seconds()) }()

	terms, err := s.store.EnabledTermCodes(ctx)
	if err != nil {
		s.log.Error("enabled term codes failed", "error", err)
		return
	}

	paused := 0
	for _, termCode := range terms {
		if ctx.Err() != nil {
			return
		}
		paused += s.tickTerm(ctx, termCode)
	}
	metrics.SubjectsPausedGauge.Set(float64(paused))
}

// tickTerm enqueues eligible subjects for one term and returns how many
// subjects are currently paused, for the scheduler-wide paused gauge.
func (s *Scheduler) tickTerm(ctx context.Context, termCode string) int {
	subjects := s.subjects.Codes(postgres.CategorySubject)
	if len(subjects) == 0 {
		return 0
	}

	stats, err := s.store.FetchSubjectStats(ctx, termCode)
	if err != nil {
		s.log.Error("fetch subject stats failed", "term", termCode, "error", err)
		return 0
	}
	bySubject := make(map[string]domain.SubjectStats, len(stats))
	for _, st := range stats {
		bySubject[st.Subject] = st
	}

	now := s.now()
	paused := 0
	var candidates []queue.BatchInsertCandidate
	for _, subj := range subjects {
		st, ok := bySubject[subj]
		if !ok {
			st = domain.SubjectStats{Subject: subj}
		}

		decision := DecideSubjectSchedule(st, now, false)
		if decision.Kind == KindPaused {
			paused++
		}
		if decision.Kind != KindEligible {
			continue
		}

		term := termCode
		candidates = append(candidates, queue.BatchInsertCandidate{
			TargetType: domain.TargetSubject,
			Payload:    domain.SubjectJob{Subject: subj, Term: &term},
			Priority:   domain.PriorityLow,
			ExecuteAt:  now,
			MaxRetries: DefaultMaxRetries,
		})
	}

	if len(candidates) == 0 {
		return paused
	}

	inserted, err := s.queue.BatchInsert(ctx, candidates)
	if err != nil {
		s.log.Error("batch insert scrape jobs failed", "term", termCode, "error", err)
		return paused
	}
	if len(inserted) > 0 {
		s.log.Info("enqueued subject scrapes", "term", termCode, "count", len(inserted))
		metrics.SchedulerEnqueuedTotal.WithLabelValues(termCode).Add(float64(len(inserted)))
	}
	return paused
}
