// seed inserts a development term and a handful of Low-priority subject
// scrape jobs so a freshly migrated database has something for the worker
// pool and adaptive scheduler to pick up immediately.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/catalogmirror/banner-scrape/internal/events"
	"github.com/catalogmirror/banner-scrape/internal/queue"
	"github.com/catalogmirror/banner-scrape/internal/store/postgres"
	"github.com/catalogmirror/banner-scrape/internal/term"
)

// seedSubjects is a small, realistic slate of subjects to seed Low-priority
// jobs for — enough to exercise the worker pool without hammering a real
// upstream on first boot.
var seedSubjects = []string{"CS", "MATH", "ENGL", "HIST", "BIOL"}

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	termCode := os.Getenv("SEED_TERM")
	if termCode == "" {
		termCode = term.Current(time.Now())
	}

	terms := postgres.NewTermStore(pool)
	inserted, err := terms.SyncTerms(ctx, []domain.Term{{
		Code:   termCode,
		Year:   term.Year(termCode),
		Season: term.Season(termCode),
	}})
	if err != nil {
		log.Fatalf("sync term: %v", err)
	}
	if len(inserted) > 0 {
		if err := terms.SetScrapeEnabled(ctx, termCode, true); err != nil {
			log.Fatalf("enable term: %v", err)
		}
	}

	jobStore := postgres.NewJobStore(pool)
	bus := events.NewBus(256)
	q := queue.New(jobStore, bus)

	candidates := make([]queue.BatchInsertCandidate, len(seedSubjects))
	for i, subject := range seedSubjects {
		candidates[i] = queue.BatchInsertCandidate{
			TargetType: domain.TargetSubject,
			Payload:    domain.SubjectJob{Subject: subject, Term: &termCode},
			Priority:   domain.PriorityLow,
			ExecuteAt:  time.Now(),
			MaxRetries: 3,
		}
	}

	created, err := q.BatchInsert(ctx, candidates)
	if err != nil {
		log.Fatalf("seed scrape jobs: %v", err)
	}

	fmt.Println("Seed complete")
	fmt.Printf("  Term:        %s (scrape_enabled=true)\n", termCode)
	fmt.Printf("  Jobs queued: %d (of %d subjects — rest already had an outstanding job)\n", len(created), len(seedSubjects))
}
