package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"
)

// ScheduleBlock is one parsed, wall-clock meeting window for the timeline
// endpoint. Dates/times are parsed with no time zone: all schedule
// boundaries are wall-clock local to the upstream, not UTC.
type ScheduleBlock struct {
	Begin time.Time
	End   time.Time
	Days  []string
}

// ScheduleEntry is one course's projection into the timeline cache.
type ScheduleEntry struct {
	CourseID   string
	Subject    string
	Enrollment int
	Blocks     []ScheduleBlock
}

// ScheduleCache is an in-process snapshot refreshed at most once per hour
// with single-flight deduplication; reads never block on a refresh, and a
// failed refresh leaves the prior snapshot in place.
type ScheduleCache struct {
	pool *pgxpool.Pool

	snapshot atomic.Pointer[[]ScheduleEntry]
	group    singleflight.Group

	mu           sync.Mutex
	lastRefresh  time.Time
	minInterval  time.Duration
}

func NewScheduleCache(pool *pgxpool.Pool) *ScheduleCache {
	c := &ScheduleCache{pool: pool, minInterval: time.Hour}
	empty := []ScheduleEntry{}
	c.snapshot.Store(&empty)
	return c
}

// Snapshot returns the current cached view; never blocks.
func (c *ScheduleCache) Snapshot() []ScheduleEntry {
	return *c.snapshot.Load()
}

// Refresh recomputes the snapshot from Store, unless the last successful
// refresh was under an hour ago. Concurrent callers during an in-flight
// refresh share the one result via singleflight.
func (c *ScheduleCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	due := time.Since(c.lastRefresh) >= c.minInterval
	c.mu.Unlock()
	if !due {
		return nil
	}

	_, err, _ := c.group.Do("refresh", func() (any, error) {
		entries, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		c.snapshot.Store(&entries)
		c.mu.Lock()
		c.lastRefresh = time.Now()
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

func (c *ScheduleCache) load(ctx context.Context) ([]ScheduleEntry, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, subject, enrollment, meeting_times
		FROM courses`)
	if err != nil {
		return nil, fmt.Errorf("load schedule cache: %w", err)
	}
	defer rows.Close()

	var entries []ScheduleEntry
	for rows.Next() {
		var e ScheduleEntry
		var meetingsRaw []byte
		if err := rows.Scan(&e.CourseID, &e.Subject, &e.Enrollment, &meetingsRaw); err != nil {
			return nil, err
		}
		var meetings []domain.MeetingTime
		_ = json.Unmarshal(meetingsRaw, &meetings)
		for _, m := range meetings {
			block, ok := parseScheduleBlock(m)
			if !ok {
				continue
			}
			e.Blocks = append(e.Blocks, block)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// parseScheduleBlock parses a MeetingTime's MM/DD/YYYY date and HHMM time
// strings with no time zone, so a TBA meeting (no begin time) is skipped
// rather than defaulted.
func parseScheduleBlock(m domain.MeetingTime) (ScheduleBlock, bool) {
	if m.BeginTime == "" || m.EndTime == "" || m.StartDate == "" {
		return ScheduleBlock{}, false
	}
	begin, err := time.Parse("01/02/2006 1504", m.StartDate+" "+m.BeginTime)
	if err != nil {
		return ScheduleBlock{}, false
	}
	end, err := time.Parse("01/02/2006 1504", m.StartDate+" "+m.EndTime)
	if err != nil {
		return ScheduleBlock{}, false
	}
	return ScheduleBlock{Begin: begin, End: end, Days: m.Days()}, true
}
