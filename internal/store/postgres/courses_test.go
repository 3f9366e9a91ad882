package postgres

import (
	"testing"

	"github.com/catalogmirror/banner-scrape/internal/domain"
)

func domainCourseFixture() domain.Course {
	return domain.Course{CRN: "12345", TermCode: "202510", Subject: "CS", CourseNumber: "1000"}
}

func TestSortClauseKnownColumns(t *testing.T) {
	cases := []struct {
		col  SortColumn
		desc bool
		want string
	}{
		{SortTitle, false, "title ASC"},
		{SortTitle, true, "title DESC"},
		{SortInstructor, false, "primary_instructor_name ASC"},
		{SortFirstMeeting, false, "first_meeting_begin ASC NULLS LAST"},
		{SortOpenSeats, true, "(max_enrollment - enrollment) DESC"},
		{SortCourseCode, false, "subject ASC, course_number ASC"},
		{SortColumn("bogus"), false, "subject ASC, course_number ASC"},
	}
	for _, c := range cases {
		got := sortClause(c.col, c.desc)
		if got != c.want {
			t.Errorf("sortClause(%q, %v) = %q, want %q", c.col, c.desc, got, c.want)
		}
	}
}

func TestDiffWatchedFieldsDetectsChanges(t *testing.T) {
	prior := priorCourse{
		title: "Intro to Widgets", enrollment: 10, maxEnrollment: 30,
		waitCount: 0, waitCapacity: 5, instructionalMethod: "LEC",
		campus: "Main", creditHoursLow: 3, creditHoursHigh: 3,
		meetingTimesJSON: "[]", attributesJSON: "[]",
	}
	c := domainCourseFixture()
	c.Title = "Intro to Widgets"
	c.Enrollment = 15
	c.MaxEnrollment = 30
	c.InstructionalMethod = "LEC"
	c.Campus = "Main"
	c.CreditHoursLow = 3
	c.CreditHoursHigh = 3
	c.WaitCapacity = 5

	changes := diffWatchedFields(prior, c, "[]", "[]")
	if len(changes) != 1 || changes[0].field != "enrollment" {
		t.Fatalf("expected a single enrollment change, got %+v", changes)
	}
}

func TestDiffWatchedFieldsNoChange(t *testing.T) {
	prior := priorCourse{
		title: "Same Title", enrollment: 10, maxEnrollment: 30,
		waitCount: 2, waitCapacity: 5, instructionalMethod: "LEC",
		campus: "Main", creditHoursLow: 3, creditHoursHigh: 3,
		meetingTimesJSON: `[{"beginTime":"0900"}]`, attributesJSON: `["HON"]`,
	}
	c := domainCourseFixture()
	c.Title = "Same Title"
	c.Enrollment = 10
	c.MaxEnrollment = 30
	c.WaitCount = 2
	c.WaitCapacity = 5
	c.InstructionalMethod = "LEC"
	c.Campus = "Main"
	c.CreditHoursLow = 3
	c.CreditHoursHigh = 3

	changes := diffWatchedFields(prior, c, `[{"beginTime": "0900"}]`, `["HON"]`)
	if len(changes) != 0 {
		t.Fatalf("expected no changes (whitespace-only JSON diff), got %+v", changes)
	}
}

func TestNormalizeJSONFallsBackOnInvalidInput(t *testing.T) {
	if got := normalizeJSON("not json"); got != "not json" {
		t.Errorf("normalizeJSON should pass through invalid JSON unchanged, got %q", got)
	}
}

func TestQuoteLiteralEscapesQuotes(t *testing.T) {
	got := quoteLiteral("o'clock")
	want := "'o''clock'"
	if got != want {
		t.Errorf("quoteLiteral = %q, want %q", got, want)
	}
}
