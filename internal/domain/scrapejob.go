package domain

import (
	"errors"
	"time"
)

var (
	ErrScrapeJobNotFound  = errors.New("scrape job not found")
	ErrPayloadMalformed   = errors.New("scrape job target payload is malformed")
)

// ScrapePriority orders the queue's lock_next selection, highest first.
type ScrapePriority string

const (
	PriorityLow      ScrapePriority = "low"
	PriorityMedium   ScrapePriority = "medium"
	PriorityHigh     ScrapePriority = "high"
	PriorityCritical ScrapePriority = "critical"
)

// priorityRank gives each ScrapePriority a sortable weight; used only by
// in-process fakes in tests, the real ordering is done in SQL.
var priorityRank = map[ScrapePriority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

func (p ScrapePriority) Rank() int { return priorityRank[p] }

// TargetType selects which job payload variant a ScrapeJob carries.
type TargetType string

const (
	TargetSubject    TargetType = "subject"
	TargetCourseRange TargetType = "course_range"
	TargetCrnList    TargetType = "crn_list"
	TargetSingleCrn  TargetType = "single_crn"
)

// LockExpiry is the upper bound on worker liveness for a locked job; past
// this age a lock is considered stale and reclaimable by lock_next.
const LockExpiry = 10 * time.Minute

// ScrapeJobStatus is derived, never stored directly (see ScrapeJob.Status).
type ScrapeJobStatus string

const (
	StatusProcessing ScrapeJobStatus = "processing"
	StatusStaleLock  ScrapeJobStatus = "stale_lock"
	StatusExhausted  ScrapeJobStatus = "exhausted"
	StatusScheduled  ScrapeJobStatus = "scheduled"
	StatusPending    ScrapeJobStatus = "pending"
)

// ScrapeJob is a durable row in the priority queue.
type ScrapeJob struct {
	ID             int64          `json:"id"`
	TargetType     TargetType     `json:"targetType"`
	TargetPayload  []byte         `json:"targetPayload"` // opaque JSON
	Priority       ScrapePriority `json:"priority"`
	ExecuteAt      time.Time      `json:"executeAt"`
	QueuedAt       time.Time      `json:"queuedAt"`
	LockedAt       *time.Time     `json:"lockedAt,omitempty"`
	RetryCount     int            `json:"retryCount"`
	MaxRetries     int            `json:"maxRetries"`
}

// DerivedStatus computes the row's status from its lock/retry/schedule
// fields rather than storing status directly.
func (j *ScrapeJob) DerivedStatus(now time.Time) ScrapeJobStatus {
	if j.LockedAt != nil {
		if now.Sub(*j.LockedAt) < LockExpiry {
			return StatusProcessing
		}
		return StatusStaleLock
	}
	if j.RetryCount >= j.MaxRetries && j.MaxRetries > 0 {
		return StatusExhausted
	}
	if j.ExecuteAt.After(now) {
		return StatusScheduled
	}
	return StatusPending
}

// ScrapeJobResult is the append-only log of one finished attempt.
type ScrapeJobResult struct {
	ID               int64         `json:"id"`
	JobID            int64         `json:"jobId"`
	TargetType       TargetType    `json:"targetType"`
	Payload          []byte        `json:"payload"`
	Priority         ScrapePriority `json:"priority"`
	QueuedAt         time.Time     `json:"queuedAt"`
	StartedAt        time.Time     `json:"startedAt"`
	DurationMS       int64         `json:"durationMs"`
	Success          bool          `json:"success"`
	ErrorMessage     *string       `json:"errorMessage,omitempty"`
	RetryCount       int           `json:"retryCount"`
	CoursesFetched   int           `json:"coursesFetched"`
	CoursesChanged   int           `json:"coursesChanged"`
	CoursesUnchanged int           `json:"coursesUnchanged"`
	AuditsGenerated  int           `json:"auditsGenerated"`
	MetricsGenerated int           `json:"metricsGenerated"`
	CompletedAt      time.Time     `json:"completedAt"`
}

// SubjectJob scrapes all sections for one subject in one term.
type SubjectJob struct {
	Subject string  `json:"subject"`
	Term    *string `json:"term,omitempty"`
}

// CourseRangeJob scrapes sections whose course number falls in [Low, High].
type CourseRangeJob struct {
	Subject string `json:"subject"`
	Low     int    `json:"low"`
	High    int    `json:"high"`
	Term    string `json:"term"`
}

// CrnListJob scrapes a fixed, small set of CRNs directly.
type CrnListJob struct {
	Crns []string `json:"crns"`
	Term string   `json:"term"`
}

// SingleCrnJob scrapes exactly one CRN; used for on-demand refresh.
type SingleCrnJob struct {
	Crn  string `json:"crn"`
	Term string `json:"term"`
}

// SubjectStats is the rolling per-subject window AdaptiveScheduler consumes.
type SubjectStats struct {
	Subject                 string
	RecentRuns               int
	AvgChangeRatio           float64
	ConsecutiveZeroChanges   int
	ConsecutiveEmptyFetches  int
	RecentFailureCount       int
	RecentSuccessCount       int
	LastCompleted            *time.Time
}
