package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/banner"
	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/catalogmirror/banner-scrape/internal/events"
	"github.com/catalogmirror/banner-scrape/internal/store/postgres"
	"github.com/catalogmirror/banner-scrape/internal/term"
)

// Dispatcher is the Runner that fans a ScrapeJob out to its target-type
// handler: subject, course range, CRN list, or single CRN.
type Dispatcher struct {
	client  *banner.Client
	courses *postgres.CourseStore
	bus     *events.Bus
}

func NewDispatcher(client *banner.Client, courses *postgres.CourseStore, bus *events.Bus) *Dispatcher {
	return &Dispatcher{client: client, courses: courses, bus: bus}
}

// publishAudits emits a single batched AuditLog domain event covering all
// audit entries from one upsert.
func (d *Dispatcher) publishAudits(audits []domain.AuditEntry) {
	if len(audits) == 0 {
		return
	}
	d.bus.Publish(domain.DomainEvent{Kind: domain.EventAuditLogEntries, AuditLog: &domain.AuditLogEvent{Entries: audits}})
}

func (d *Dispatcher) Run(ctx context.Context, job *domain.ScrapeJob) (domain.UpsertCounts, error) {
	switch job.TargetType {
	case domain.TargetSubject:
		return d.runSubject(ctx, job)
	case domain.TargetCourseRange:
		return d.runCourseRange(ctx, job)
	case domain.TargetCrnList:
		return d.runCrnList(ctx, job)
	case domain.TargetSingleCrn:
		return d.runSingleCrn(ctx, job)
	default:
		return domain.UpsertCounts{}, fmt.Errorf("%w: unknown target type %q", domain.ErrPayloadMalformed, job.TargetType)
	}
}

// effectiveTerm falls back to the current term for legacy jobs queued
// before the term field existed, matching SubjectJob.effective_term in the
// original.
func effectiveTerm(code *string) string {
	if code != nil && *code != "" {
		return *code
	}
	return term.Current(time.Now())
}

func (d *Dispatcher) runSubject(ctx context.Context, job *domain.ScrapeJob) (domain.UpsertCounts, error) {
	var payload domain.SubjectJob
	if err := json.Unmarshal(job.TargetPayload, &payload); err != nil {
		return domain.UpsertCounts{}, fmt.Errorf("%w: %v", domain.ErrPayloadMalformed, err)
	}

	termCode := effectiveTerm(payload.Term)
	query := banner.NewSearchQuery().Subject(payload.Subject).MaxResults(500)

	result, err := d.client.Search(ctx, termCode, query, "subjectDescription", false)
	if err != nil {
		return domain.UpsertCounts{}, wrapUpstream(err)
	}

	counts, audits, err := d.courses.BatchUpsertCourses(ctx, result.Data)
	if err != nil {
		return domain.UpsertCounts{}, &Recoverable{Err: fmt.Errorf("batch upsert: %w", err)}
	}
	d.publishAudits(audits)
	return counts, nil
}

func (d *Dispatcher) runCourseRange(ctx context.Context, job *domain.ScrapeJob) (domain.UpsertCounts, error) {
	var payload domain.CourseRangeJob
	if err := json.Unmarshal(job.TargetPayload, &payload); err != nil {
		return domain.UpsertCounts{}, fmt.Errorf("%w: %v", domain.ErrPayloadMalformed, err)
	}

	query := banner.NewSearchQuery().
		Subject(payload.Subject).
		CourseNumberRange(payload.Low, payload.High).
		MaxResults(500)

	result, err := d.client.Search(ctx, payload.Term, query, "courseNumber", false)
	if err != nil {
		return domain.UpsertCounts{}, wrapUpstream(err)
	}

	counts, audits, err := d.courses.BatchUpsertCourses(ctx, result.Data)
	if err != nil {
		return domain.UpsertCounts{}, &Recoverable{Err: fmt.Errorf("batch upsert: %w", err)}
	}
	d.publishAudits(audits)
	return counts, nil
}

func (d *Dispatcher) runCrnList(ctx context.Context, job *domain.ScrapeJob) (domain.UpsertCounts, error) {
	var payload domain.CrnListJob
	if err := json.Unmarshal(job.TargetPayload, &payload); err != nil {
		return domain.UpsertCounts{}, fmt.Errorf("%w: %v", domain.ErrPayloadMalformed, err)
	}
	if len(payload.Crns) == 0 {
		return domain.UpsertCounts{}, fmt.Errorf("%w: empty crn list", domain.ErrPayloadMalformed)
	}

	var courses []domain.Course
	for _, crn := range payload.Crns {
		c, err := d.client.GetCourseByCRN(ctx, payload.Term, crn)
		if err != nil {
			if errors.Is(err, domain.ErrCourseNotFound) {
				continue
			}
			return domain.UpsertCounts{}, wrapUpstream(err)
		}
		courses = append(courses, *c)
	}

	counts, audits, err := d.courses.BatchUpsertCourses(ctx, courses)
	if err != nil {
		return domain.UpsertCounts{}, &Recoverable{Err: fmt.Errorf("batch upsert: %w", err)}
	}
	d.publishAudits(audits)
	return counts, nil
}

func (d *Dispatcher) runSingleCrn(ctx context.Context, job *domain.ScrapeJob) (domain.UpsertCounts, error) {
	var payload domain.SingleCrnJob
	if err := json.Unmarshal(job.TargetPayload, &payload); err != nil {
		return domain.UpsertCounts{}, fmt.Errorf("%w: %v", domain.ErrPayloadMalformed, err)
	}

	course, err := d.client.GetCourseByCRN(ctx, payload.Term, payload.Crn)
	if err != nil {
		return domain.UpsertCounts{}, wrapUpstream(err)
	}

	counts, audits, err := d.courses.BatchUpsertCourses(ctx, []domain.Course{*course})
	if err != nil {
		return domain.UpsertCounts{}, &Recoverable{Err: fmt.Errorf("batch upsert: %w", err)}
	}
	d.publishAudits(audits)
	return counts, nil
}

// wrapUpstream classifies a banner.Client error: transient upstream
// errors, throttling, and session death are Recoverable; a response-body
// parse failure passes through unrecoverable, since retrying won't make
// the body parse.
func wrapUpstream(err error) error {
	if banner.IsRecoverable(err) {
		return &Recoverable{Err: err}
	}
	return err
}

// extractSubject recovers a best-effort subject string for the Completed
// event, without needing to know which payload variant the job carried.
func extractSubject(job *domain.ScrapeJob) (string, bool) {
	switch job.TargetType {
	case domain.TargetSubject:
		var p domain.SubjectJob
		if json.Unmarshal(job.TargetPayload, &p) == nil && p.Subject != "" {
			return p.Subject, true
		}
	case domain.TargetCourseRange:
		var p domain.CourseRangeJob
		if json.Unmarshal(job.TargetPayload, &p) == nil && p.Subject != "" {
			return p.Subject, true
		}
	}
	return "", false
}
