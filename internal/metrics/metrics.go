package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/catalogmirror/banner-scrape/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job queue / worker metrics

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "banner",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from job queued_at to a worker locking it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "banner",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of one job dispatch, by target type.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"target_type"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "banner",
		Name:      "worker_jobs_in_flight",
		Help:      "Number of jobs currently being executed by the worker pool.",
	})

	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "banner",
		Name:      "jobs_completed_total",
		Help:      "Total jobs finished, by outcome (success, retried, exhausted, deleted).",
	}, []string{"outcome"})

	CoursesUpsertedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "banner",
		Name:      "courses_upserted_total",
		Help:      "Total course rows upserted, by whether the row changed.",
	}, []string{"changed"})

	// Scheduler metrics

	SchedulerTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "banner",
		Name:      "scheduler_tick_duration_seconds",
		Help:      "Time taken for one AdaptiveScheduler tick across all enabled terms.",
		Buckets:   prometheus.DefBuckets,
	})

	SchedulerEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "banner",
		Name:      "scheduler_enqueued_total",
		Help:      "Total scrape jobs enqueued by the adaptive scheduler, by term.",
	}, []string{"term"})

	SubjectsPausedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "banner",
		Name:      "scheduler_subjects_paused",
		Help:      "Number of subjects currently in a paused schedule state.",
	})

	// Rate limiter metrics

	RateLimitWaitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "banner",
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent waiting to acquire a rate limiter token, by class.",
		Buckets:   []float64{0, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"class"})

	// EventBus metrics

	EventBusPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "banner",
		Name:      "event_bus_published_total",
		Help:      "Total domain events published onto the EventBus, by kind.",
	}, []string{"kind"})

	EventBusSubscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "banner",
		Name:      "event_bus_subscribers",
		Help:      "Number of live StreamHub WebSocket subscriptions.",
	})

	// Process lifecycle

	ProcessStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "banner",
		Name:      "process_start_time_seconds",
		Help:      "Unix timestamp when this process started.",
	})

	ShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "banner",
		Name:      "shutdowns_total",
		Help:      "Number of graceful shutdowns completed.",
	})

	// Admin HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "banner",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "banner",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		JobPickupLatency,
		JobExecutionDuration,
		JobsInFlight,
		JobsCompletedTotal,
		CoursesUpsertedTotal,
		SchedulerTickDuration,
		SchedulerEnqueuedTotal,
		SubjectsPausedGauge,
		RateLimitWaitDuration,
		EventBusPublishedTotal,
		EventBusSubscribersGauge,
		ProcessStartTime,
		ShutdownsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer builds the process's metrics/health admin endpoint: a
// Prometheus scrape target plus liveness/readiness checks on one server.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if result.Status != "up" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(result)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
