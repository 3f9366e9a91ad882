// Package app bundles the process-wide dependencies — database pool, rate
// limiter, Banner client, event bus, stores, queue, scheduler, and
// StreamHub — into one State, constructed once by cmd/scraper/main.go and
// threaded through everything else, wiring the dependency graph by hand
// rather than through a DI framework.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/catalogmirror/banner-scrape/config"
	"github.com/catalogmirror/banner-scrape/internal/adaptive"
	"github.com/catalogmirror/banner-scrape/internal/banner"
	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/catalogmirror/banner-scrape/internal/events"
	"github.com/catalogmirror/banner-scrape/internal/health"
	"github.com/catalogmirror/banner-scrape/internal/queue"
	"github.com/catalogmirror/banner-scrape/internal/ratelimit"
	"github.com/catalogmirror/banner-scrape/internal/store/postgres"
	"github.com/catalogmirror/banner-scrape/internal/stream"
	"github.com/catalogmirror/banner-scrape/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// termSubjectStore combines postgres.TermStore.EnabledTermCodes with
// postgres.JobStore.FetchSubjectStats into the one interface both
// adaptive.Store and stream.ComputedSubjectStore expect. Neither store
// alone implements both methods, since term enablement and job-result
// statistics live in different tables owned by different stores.
type termSubjectStore struct {
	terms *postgres.TermStore
	jobs  *postgres.JobStore
}

func (s termSubjectStore) EnabledTermCodes(ctx context.Context) ([]string, error) {
	return s.terms.EnabledTermCodes(ctx)
}

func (s termSubjectStore) FetchSubjectStats(ctx context.Context, term string) ([]domain.SubjectStats, error) {
	return s.jobs.FetchSubjectStats(ctx, term)
}

// State is the full set of long-lived collaborators for one process.
type State struct {
	Config *config.Config
	Pool   *pgxpool.Pool
	Log    *slog.Logger

	Bus       *events.Bus
	Limiter   *ratelimit.Limiter
	Banner    *banner.Client
	Reference *postgres.ReferenceStore
	Schedules *postgres.ScheduleCache

	Terms   *postgres.TermStore
	Courses *postgres.CourseStore
	Jobs    *postgres.JobStore
	Queue   *queue.Queue

	WorkerPool *worker.Pool
	Adaptive   *adaptive.Scheduler
	Hub        *stream.Hub
	Health     *health.Checker
}

// New builds the full dependency graph from a live config and pool. It
// does not start any goroutines; callers run WorkerPool, Adaptive, and Hub
// themselves so cmd/scraper/main.go stays in control of shutdown ordering.
func New(cfg *config.Config, pool *pgxpool.Pool, log *slog.Logger, reg prometheus.Registerer) (*State, error) {
	bus := events.NewBus(1024)
	limiter := ratelimit.New(cfg.RateLimitConfig())
	bannerClient := banner.NewClient(cfg.BannerBaseURL, limiter, log)

	reference := postgres.NewReferenceStore(pool)
	if err := reference.Refresh(context.Background()); err != nil {
		return nil, fmt.Errorf("initial reference cache load: %w", err)
	}
	schedules := postgres.NewScheduleCache(pool)

	terms := postgres.NewTermStore(pool)
	courses := postgres.NewCourseStore(pool)
	jobStore := postgres.NewJobStore(pool)
	q := queue.New(jobStore, bus)

	subjectStore := termSubjectStore{terms: terms, jobs: jobStore}

	dispatcher := worker.NewDispatcher(bannerClient, courses, bus)
	workerPool := worker.NewPool(cfg.WorkerCount, q, dispatcher, worker.PollInterval, log)

	adaptiveScheduler := adaptive.New(subjectStore, reference, q, log)

	hub := stream.NewHub(bus, jobStore, courses, subjectStore, log)

	checker := health.NewChecker(pool, log, reg)

	return &State{
		Config:     cfg,
		Pool:       pool,
		Log:        log,
		Bus:        bus,
		Limiter:    limiter,
		Banner:     bannerClient,
		Reference:  reference,
		Schedules:  schedules,
		Terms:      terms,
		Courses:    courses,
		Jobs:       jobStore,
		Queue:      q,
		WorkerPool: workerPool,
		Adaptive:   adaptiveScheduler,
		Hub:        hub,
		Health:     checker,
	}, nil
}
