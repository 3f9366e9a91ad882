package domain

import (
	"testing"
	"time"
)

func TestDerivedStatus(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Minute)
	stale := now.Add(-LockExpiry - time.Minute)

	cases := []struct {
		name string
		job  ScrapeJob
		want ScrapeJobStatus
	}{
		{"locked recently", ScrapeJob{LockedAt: &fresh}, StatusProcessing},
		{"lock expired", ScrapeJob{LockedAt: &stale}, StatusStaleLock},
		{"retries spent", ScrapeJob{RetryCount: 3, MaxRetries: 3, ExecuteAt: now.Add(-time.Hour)}, StatusExhausted},
		{"retries spent but no budget", ScrapeJob{RetryCount: 3, MaxRetries: 0, ExecuteAt: now.Add(-time.Hour)}, StatusPending},
		{"deferred", ScrapeJob{ExecuteAt: now.Add(time.Hour)}, StatusScheduled},
		{"due now", ScrapeJob{ExecuteAt: now.Add(-time.Minute)}, StatusPending},
		{"lock wins over retry state", ScrapeJob{LockedAt: &fresh, RetryCount: 3, MaxRetries: 3}, StatusProcessing},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.job.DerivedStatus(now); got != c.want {
				t.Errorf("DerivedStatus = %s, want %s", got, c.want)
			}
		})
	}
}

func TestPriorityRank(t *testing.T) {
	order := []ScrapePriority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("rank(%s)=%d not below rank(%s)=%d", order[i-1], order[i-1].Rank(), order[i], order[i].Rank())
		}
	}
}
