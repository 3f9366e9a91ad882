package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/domain"
)

func TestParseFilterRejectsUnknownEnumValues(t *testing.T) {
	cases := []struct {
		name   string
		stream StreamName
		raw    string
	}{
		{"bad status", StreamScrapeJobs, `{"status":["sleeping"]}`},
		{"bad priority", StreamScrapeJobs, `{"priority":["urgent"]}`},
		{"bad target type", StreamScrapeJobs, `{"targetType":["department"]}`},
		{"bad computed kind", StreamComputed, `{"kind":"velocity"}`},
		{"malformed json", StreamScrapeJobs, `{`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := parseFilter(c.stream, json.RawMessage(c.raw)); err == nil {
				t.Errorf("parseFilter(%s, %s) accepted invalid input", c.stream, c.raw)
			}
		})
	}
}

func TestParseFilterDefaultsWhenAbsent(t *testing.T) {
	got, err := parseFilter(StreamScrapeJobs, nil)
	if err != nil {
		t.Fatalf("parseFilter: %v", err)
	}
	if _, ok := got.(ScrapeJobsFilter); !ok {
		t.Fatalf("expected empty ScrapeJobsFilter, got %T", got)
	}

	// Computed has no default: the kind selects the view.
	if _, err := parseFilter(StreamComputed, nil); err == nil {
		t.Error("computed stream with no filter must be rejected")
	}
}

func TestParseFilterAcceptsValidShape(t *testing.T) {
	raw := json.RawMessage(`{"status":["pending","processing"],"priority":["low"],"term":"202620"}`)
	got, err := parseFilter(StreamScrapeJobs, raw)
	if err != nil {
		t.Fatalf("parseFilter: %v", err)
	}
	f := got.(ScrapeJobsFilter)
	if len(f.Status) != 2 || f.Status[0] != domain.StatusPending {
		t.Errorf("status parsed wrong: %+v", f.Status)
	}
	if f.Term == nil || *f.Term != "202620" {
		t.Errorf("term parsed wrong: %v", f.Term)
	}
}

func TestMatchScrapeJobIgnoresAbsentEventFields(t *testing.T) {
	pending := domain.StatusPending
	processing := domain.StatusProcessing
	f := ScrapeJobsFilter{Status: []domain.ScrapeJobStatus{pending}}

	// An event that carries no status can't be disqualified by a status
	// filter; known_ids tracking covers the gap.
	if !matchScrapeJob(&domain.ScrapeJobEvent{ID: 1}, f) {
		t.Error("event without status should pass a status filter")
	}
	if matchScrapeJob(&domain.ScrapeJobEvent{ID: 1, Status: &processing}, f) {
		t.Error("event with non-matching status should fail")
	}
	if !matchScrapeJob(&domain.ScrapeJobEvent{ID: 1, Status: &pending}, f) {
		t.Error("event with matching status should pass")
	}
}

func TestMatchAuditLogFieldAndSince(t *testing.T) {
	field := "enrollment"
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f := AuditLogFilter{Field: &field, Since: &since}

	entry := domain.AuditEntry{FieldChanged: "enrollment", Timestamp: since.Add(time.Hour)}
	if !matchAuditLog(entry, f) {
		t.Error("matching entry rejected")
	}
	entry.FieldChanged = "title"
	if matchAuditLog(entry, f) {
		t.Error("wrong field accepted")
	}
	entry.FieldChanged = "enrollment"
	entry.Timestamp = since.Add(-time.Hour)
	if matchAuditLog(entry, f) {
		t.Error("entry before since accepted")
	}
}

func TestMatchJobSnapshotParsesPayloadForSubjectTerm(t *testing.T) {
	now := time.Now()
	subject := "CS"
	term := "202620"
	f := ScrapeJobsFilter{Subject: &subject, Term: &term}

	job := &domain.ScrapeJob{
		TargetType:    domain.TargetSubject,
		TargetPayload: []byte(`{"subject":"CS","term":"202620"}`),
		ExecuteAt:     now.Add(-time.Minute),
	}
	if !matchJobSnapshot(job, now, f) {
		t.Error("matching subject/term rejected")
	}

	job.TargetPayload = []byte(`{"subject":"MATH","term":"202620"}`)
	if matchJobSnapshot(job, now, f) {
		t.Error("wrong subject accepted")
	}
}

func TestMatchJobSnapshotDerivedStatus(t *testing.T) {
	now := time.Now()
	f := ScrapeJobsFilter{Status: []domain.ScrapeJobStatus{domain.StatusProcessing}}

	locked := now.Add(-time.Minute)
	job := &domain.ScrapeJob{LockedAt: &locked}
	if !matchJobSnapshot(job, now, f) {
		t.Error("freshly locked job should derive Processing")
	}

	job.LockedAt = nil
	job.ExecuteAt = now.Add(-time.Minute)
	if matchJobSnapshot(job, now, f) {
		t.Error("pending job should not match a Processing filter")
	}
}
