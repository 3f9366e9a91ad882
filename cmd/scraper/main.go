// Command scraper is the process entry point for the course-catalog scrape
// pipeline: it wires internal/app.State, starts the worker pool, the
// adaptive scheduler, the term-sync cron job, and the admin HTTP+WebSocket
// server, then waits for a shutdown signal.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/catalogmirror/banner-scrape/config"
	"github.com/catalogmirror/banner-scrape/internal/app"
	"github.com/catalogmirror/banner-scrape/internal/email"
	ctxlog "github.com/catalogmirror/banner-scrape/internal/log"
	"github.com/catalogmirror/banner-scrape/internal/metrics"
	"github.com/catalogmirror/banner-scrape/internal/store/postgres"
	"github.com/catalogmirror/banner-scrape/internal/term"
	httptransport "github.com/catalogmirror/banner-scrape/internal/transport/http"
	"github.com/catalogmirror/banner-scrape/internal/transport/http/handler"
	"github.com/catalogmirror/banner-scrape/internal/usecase"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

// tracingFormat is a `--tracing {pretty,json}` override for the log
// format; this single process covers what used to be separate web and
// scraper services (see DESIGN.md), and the optional chat-bot surface
// isn't built here, so there's no longer a set of services to
// include/exclude via flags — only the log-format choice remains.
func main() {
	tracingFormat := flag.String("tracing", "", "log format override: pretty or json")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logEnv := cfg.Env
	switch *tracingFormat {
	case "pretty":
		logEnv = "local"
	case "json":
		logEnv = "production"
	}
	logger := newLogger(logEnv, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()
	logger.Info("db connected")

	metrics.Register()
	metrics.ProcessStartTime.SetToCurrentTime()

	state, err := app.New(cfg, pool, logger, prometheus.DefaultRegisterer)
	if err != nil {
		stop()
		log.Fatalf("build app state: %v", err)
	}

	// Recovery from an unclean prior shutdown: no worker may start before
	// every stale lock is cleared.
	if n, err := state.Queue.ForceUnlockAll(ctx); err != nil {
		stop()
		log.Fatalf("force unlock all: %v", err)
	} else if n > 0 {
		logger.Info("recovered stale locks", "count", n)
	}

	// Admin console auth (operator magic-link sign-in).
	users := postgres.NewUserStore(pool)
	emailSender := email.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
	authUsecase := usecase.NewAuthUsecase(users, emailSender, []byte(cfg.JWTSecret), cfg.MagicLinkBase)
	authHandler := handler.NewAuthHandler(authUsecase, logger)
	courseHandler := handler.NewCourseHandler(state.Courses, logger)
	scrapeJobHandler := handler.NewScrapeJobHandler(state.Jobs, logger)

	router := httptransport.NewRouter(ctx, httptransport.Deps{
		Auth:       authHandler,
		Courses:    courseHandler,
		ScrapeJobs: scrapeJobHandler,
		Hub:        state.Hub,
		JWTKey:     []byte(cfg.JWTSecret),
		Logger:     logger,
	})
	adminSrv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, state.Health)

	termSync, err := term.NewSyncJob(
		func(ctx context.Context) ([]term.TermDescriptor, error) {
			descs, err := state.Banner.GetTerms(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]term.TermDescriptor, len(descs))
			for i, d := range descs {
				out[i] = term.TermDescriptor{Code: d.Code, Description: d.Description}
			}
			return out, nil
		},
		state.Terms,
		cfg.TermSyncCron,
		logger,
	)
	if err != nil {
		stop()
		log.Fatalf("build term sync job: %v", err)
	}

	go state.WorkerPool.Run(ctx)
	go state.Adaptive.Run(ctx)
	go state.Hub.Run(ctx)
	go termSync.Run(ctx)
	go scheduleCacheRefreshLoop(ctx, state.Schedules, logger)

	go func() {
		logger.Info("admin server started", "port", cfg.Port)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("admin server: %v", err)
		}
	}()
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var timedOut bool
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown", "error", err)
		timedOut = timedOut || errors.Is(err, context.DeadlineExceeded)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
		timedOut = timedOut || errors.Is(err, context.DeadlineExceeded)
	}

	metrics.ShutdownsTotal.Inc()

	// Exit code 2 signals the graceful-shutdown budget was exceeded
	// (workers/sockets aborted rather than drained cleanly), distinct
	// from exit code 1's "a service failed outright".
	if timedOut {
		logger.Error("scraper shut down after exceeding shutdown timeout", "timeout", cfg.ShutdownTimeout)
		os.Exit(2)
	}
	logger.Info("scraper shut down")
}

// scheduleCacheRefreshLoop ticks ScheduleCache.Refresh every 5 minutes;
// Refresh itself no-ops unless an hour has elapsed since the last
// successful load, so this only needs to tick often enough that the hour
// boundary is never missed by much.
func scheduleCacheRefreshLoop(ctx context.Context, cache *postgres.ScheduleCache, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cache.Refresh(ctx); err != nil {
				logger.Error("schedule cache refresh", "error", err)
			}
		}
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
