package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/domain"
)

// jobSubjectTerm best-effort recovers subject/term from a job's opaque
// payload, for snapshot filtering; mirrors internal/worker's own
// per-target-type payload parsing since ScrapeJob never stores these
// fields directly.
func jobSubjectTerm(job *domain.ScrapeJob) (subject, term string) {
	switch job.TargetType {
	case domain.TargetSubject:
		var p domain.SubjectJob
		if json.Unmarshal(job.TargetPayload, &p) == nil {
			subject = p.Subject
			if p.Term != nil {
				term = *p.Term
			}
		}
	case domain.TargetCourseRange:
		var p domain.CourseRangeJob
		if json.Unmarshal(job.TargetPayload, &p) == nil {
			subject, term = p.Subject, p.Term
		}
	case domain.TargetCrnList:
		var p domain.CrnListJob
		if json.Unmarshal(job.TargetPayload, &p) == nil {
			term = p.Term
		}
	case domain.TargetSingleCrn:
		var p domain.SingleCrnJob
		if json.Unmarshal(job.TargetPayload, &p) == nil {
			term = p.Term
		}
	}
	return subject, term
}

// matchJobSnapshot filters a live ScrapeJob row (as opposed to a
// ScrapeJobEvent, which only carries a partial field set) against a
// ScrapeJobsFilter, used when building a subscription's initial snapshot.
func matchJobSnapshot(job *domain.ScrapeJob, now time.Time, f ScrapeJobsFilter) bool {
	if len(f.Status) > 0 && !containsStatus(f.Status, job.DerivedStatus(now)) {
		return false
	}
	if len(f.Priority) > 0 && !containsPriority(f.Priority, job.Priority) {
		return false
	}
	if len(f.TargetType) > 0 && !containsTargetType(f.TargetType, job.TargetType) {
		return false
	}
	if f.Term != nil || f.Subject != nil {
		subject, term := jobSubjectTerm(job)
		if f.Term != nil && term != *f.Term {
			return false
		}
		if f.Subject != nil && subject != *f.Subject {
			return false
		}
	}
	return true
}

// ScrapeJobsFilter is the ScrapeJobs stream's filter shape: a nil/empty
// field disables that predicate.
type ScrapeJobsFilter struct {
	Status     []domain.ScrapeJobStatus `json:"status,omitempty"`
	Priority   []domain.ScrapePriority  `json:"priority,omitempty"`
	TargetType []domain.TargetType      `json:"targetType,omitempty"`
	Term       *string                  `json:"term,omitempty"`
	Subject    *string                  `json:"subject,omitempty"`
}

// AuditLogFilter is the AuditLog stream's filter shape. Term/Subject are
// accepted but not enforced at the event-matching layer today: AuditEntry
// carries only course_id, not term/subject, so applying those two
// predicates would require a Store join per event; see DESIGN.md for the
// tracked limitation. Field/Since are enforced directly.
type AuditLogFilter struct {
	Term    *string    `json:"term,omitempty"`
	Subject *string    `json:"subject,omitempty"`
	Field   *string    `json:"field,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
}

// ComputedFilter selects which of the three computed views a subscription
// tracks; exactly one non-empty Kind is expected.
type ComputedFilter struct {
	Kind string `json:"kind"`
}

var validComputedKinds = map[string]bool{
	ComputedAggregate:     true,
	ComputedTimeseries:    true,
	ComputedSubjectHealth: true,
}

var validJobStatuses = map[domain.ScrapeJobStatus]bool{
	domain.StatusProcessing: true,
	domain.StatusStaleLock:  true,
	domain.StatusExhausted:  true,
	domain.StatusScheduled:  true,
	domain.StatusPending:    true,
}

var validPriorities = map[domain.ScrapePriority]bool{
	domain.PriorityLow:      true,
	domain.PriorityMedium:   true,
	domain.PriorityHigh:     true,
	domain.PriorityCritical: true,
}

var validTargetTypes = map[domain.TargetType]bool{
	domain.TargetSubject:     true,
	domain.TargetCourseRange: true,
	domain.TargetCrnList:     true,
	domain.TargetSingleCrn:   true,
}

// parseFilter decodes and validates raw against the shape stream expects,
// returning an InvalidFilter-worthy error on any unknown enum value; the
// caller turns that into an Error{code: InvalidFilter} message.
func parseFilter(stream StreamName, raw json.RawMessage) (any, error) {
	if len(raw) == 0 && stream != StreamComputed {
		switch stream {
		case StreamScrapeJobs:
			return ScrapeJobsFilter{}, nil
		case StreamAuditLog:
			return AuditLogFilter{}, nil
		default:
			return nil, fmt.Errorf("unknown stream %q", stream)
		}
	}

	switch stream {
	case StreamComputed:
		var f ComputedFilter
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		if !validComputedKinds[f.Kind] {
			return nil, fmt.Errorf("invalid computed kind %q", f.Kind)
		}
		return f, nil
	case StreamScrapeJobs:
		var f ScrapeJobsFilter
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		for _, s := range f.Status {
			if !validJobStatuses[s] {
				return nil, fmt.Errorf("invalid status %q", s)
			}
		}
		for _, p := range f.Priority {
			if !validPriorities[p] {
				return nil, fmt.Errorf("invalid priority %q", p)
			}
		}
		for _, t := range f.TargetType {
			if !validTargetTypes[t] {
				return nil, fmt.Errorf("invalid target type %q", t)
			}
		}
		return f, nil
	case StreamAuditLog:
		var f AuditLogFilter
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
}

// matchScrapeJob applies the filter-matching rule: a field present on the
// event is checked against the filter; a field the event doesn't carry
// for this transition never disqualifies it (known_ids tracking in Hub
// covers the resulting gap for Locked/Retried/Exhausted).
func matchScrapeJob(ev *domain.ScrapeJobEvent, f ScrapeJobsFilter) bool {
	if len(f.Status) > 0 && ev.Status != nil && !containsStatus(f.Status, *ev.Status) {
		return false
	}
	if len(f.Priority) > 0 && ev.Priority != nil && !containsPriority(f.Priority, *ev.Priority) {
		return false
	}
	if len(f.TargetType) > 0 && ev.TargetType != nil && !containsTargetType(f.TargetType, *ev.TargetType) {
		return false
	}
	if f.Term != nil && ev.Term != nil && *ev.Term != *f.Term {
		return false
	}
	if f.Subject != nil && ev.Subject != nil && *ev.Subject != *f.Subject {
		return false
	}
	return true
}

// matchAuditLog filters one AuditEntry against the enforceable subset of
// AuditLogFilter (Field, Since); see AuditLogFilter's doc comment.
func matchAuditLog(entry domain.AuditEntry, f AuditLogFilter) bool {
	if f.Field != nil && entry.FieldChanged != *f.Field {
		return false
	}
	if f.Since != nil && entry.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

func containsStatus(list []domain.ScrapeJobStatus, v domain.ScrapeJobStatus) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsPriority(list []domain.ScrapePriority, v domain.ScrapePriority) bool {
	for _, p := range list {
		if p == v {
			return true
		}
	}
	return false
}

func containsTargetType(list []domain.TargetType, v domain.TargetType) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}
