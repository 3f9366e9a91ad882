package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/catalogmirror/banner-scrape/internal/store/postgres"
	"github.com/gin-gonic/gin"
)

// ScrapeJobHandler exposes read-only visibility into the scrape pipeline's
// job queue for the admin console.
type ScrapeJobHandler struct {
	jobs   *postgres.JobStore
	logger *slog.Logger
}

func NewScrapeJobHandler(jobs *postgres.JobStore, logger *slog.Logger) *ScrapeJobHandler {
	return &ScrapeJobHandler{jobs: jobs, logger: logger.With("component", "scrape_job_handler")}
}

type scrapeJobView struct {
	ID         int64              `json:"id"`
	TargetType domain.TargetType  `json:"target_type"`
	Priority   domain.ScrapePriority `json:"priority"`
	Status     domain.ScrapeJobStatus `json:"status"`
	ExecuteAt  string             `json:"execute_at"`
	QueuedAt   string             `json:"queued_at"`
	RetryCount int                `json:"retry_count"`
	MaxRetries int                `json:"max_retries"`
}

// GET /admin/scrape-jobs — every outstanding (non-completed) job, for the
// admin console's table view. Streaming updates travel over /ws instead.
func (h *ScrapeJobHandler) List(c *gin.Context) {
	jobs, err := h.jobs.ListActive(c.Request.Context())
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "list scrape jobs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": errInternalServer})
		return
	}

	now := time.Now()
	views := make([]scrapeJobView, len(jobs))
	for i, j := range jobs {
		views[i] = scrapeJobView{
			ID:         j.ID,
			TargetType: j.TargetType,
			Priority:   j.Priority,
			Status:     j.DerivedStatus(now),
			ExecuteAt:  j.ExecuteAt.Format(time.RFC3339),
			QueuedAt:   j.QueuedAt.Format(time.RFC3339),
			RetryCount: j.RetryCount,
			MaxRetries: j.MaxRetries,
		}
	}

	c.JSON(http.StatusOK, gin.H{"jobs": views})
}
