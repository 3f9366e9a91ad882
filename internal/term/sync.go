package term

import (
	"context"
	"log/slog"

	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/robfig/cron/v3"
)

// TermDescriptor mirrors banner.TermDescriptor without this package
// depending on internal/banner, keeping the dependency direction the same
// way internal/queue's BatchInsertCandidate decouples from internal/domain's
// concrete job payload types.
type TermDescriptor struct {
	Code        string
	Description string
}

// Fetcher lists the terms the upstream currently exposes, adapted from
// *banner.Client.GetTerms by the caller since banner.TermDescriptor is a
// distinct named type.
type Fetcher func(ctx context.Context) ([]TermDescriptor, error)

// Syncer persists newly discovered terms; *postgres.TermStore implements
// this directly.
type Syncer interface {
	SyncTerms(ctx context.Context, discovered []domain.Term) ([]string, error)
}

// SyncJob drives term-sync on a cron schedule. It keeps no persisted
// run-history rows, since a missed or failed tick is harmless — the next
// tick simply reconciles again.
type SyncJob struct {
	fetcher Fetcher
	syncer  Syncer
	log     *slog.Logger
	cron    *cron.Cron
}

// NewSyncJob builds a term-sync job that fires on cronExpr (standard five-
// field cron syntax, e.g. "0 3 * * *" for daily at 03:00).
func NewSyncJob(fetcher Fetcher, syncer Syncer, cronExpr string, log *slog.Logger) (*SyncJob, error) {
	c := cron.New()
	j := &SyncJob{
		fetcher: fetcher,
		syncer:  syncer,
		log:     log.With("component", "term_sync"),
		cron:    c,
	}
	if _, err := c.AddFunc(cronExpr, j.runOnce); err != nil {
		return nil, err
	}
	return j, nil
}

// Run starts the cron scheduler and blocks until ctx is canceled.
func (j *SyncJob) Run(ctx context.Context) {
	j.log.Info("term sync started")
	j.cron.Start()
	<-ctx.Done()
	<-j.cron.Stop().Done()
	j.log.Info("term sync stopped")
}

func (j *SyncJob) runOnce() {
	ctx := context.Background()
	descs, err := j.fetcher(ctx)
	if err != nil {
		j.log.Error("fetch terms failed", "error", err)
		return
	}

	discovered := make([]domain.Term, len(descs))
	for i, d := range descs {
		discovered[i] = domain.Term{
			Code:   d.Code,
			Year:   Year(d.Code),
			Season: Season(d.Code),
		}
	}

	inserted, err := j.syncer.SyncTerms(ctx, discovered)
	if err != nil {
		j.log.Error("sync terms failed", "error", err)
		return
	}
	if len(inserted) > 0 {
		j.log.Info("discovered new terms", "codes", inserted)
	}
}
