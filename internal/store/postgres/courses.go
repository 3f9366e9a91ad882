package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CourseStore implements the Course-facing half of Store: batch upsert
// with change detection and the filtered search endpoint.
type CourseStore struct {
	pool *pgxpool.Pool
}

func NewCourseStore(pool *pgxpool.Pool) *CourseStore { return &CourseStore{pool: pool} }

type priorCourse struct {
	id                  string
	title               string
	enrollment          int
	maxEnrollment       int
	waitCount           int
	waitCapacity        int
	instructionalMethod string
	campus              string
	creditHoursLow      float64
	creditHoursHigh     float64
	crossListGroup      string
	meetingTimesJSON    string
	attributesJSON      string
}

// BatchUpsertCourses is the single round-trip insert-or-update keyed on
// (crn, term_code). For each row it diffs against the previous value (if
// any) across domain.WatchedFields, writing one AuditEntry per changed
// field and, when any EnrollmentField changed, one MetricSample. A fresh
// insert (no prior row) never generates audits or metrics.
func (s *CourseStore) BatchUpsertCourses(ctx context.Context, courses []domain.Course) (domain.UpsertCounts, []domain.AuditEntry, error) {
	counts := domain.UpsertCounts{CoursesFetched: len(courses)}
	if len(courses) == 0 {
		return counts, nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return counts, nil, fmt.Errorf("begin batch upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	var allAudits []domain.AuditEntry

	for _, c := range courses {
		meetingsJSON, err := json.Marshal(c.MeetingTimes)
		if err != nil {
			return counts, nil, fmt.Errorf("marshal meeting times: %w", err)
		}
		attrsJSON, err := json.Marshal(c.Attributes)
		if err != nil {
			return counts, nil, fmt.Errorf("marshal attributes: %w", err)
		}

		var prior priorCourse
		var hasPrior bool
		row := tx.QueryRow(ctx, `
			SELECT id, title, enrollment, max_enrollment, wait_count, wait_capacity,
			       instructional_method, campus, credit_hours_low, credit_hours_high,
			       COALESCE(cross_list_group, ''), meeting_times::text, attributes::text
			FROM courses WHERE crn = $1 AND term_code = $2`, c.CRN, c.TermCode)
		scanErr := row.Scan(
			&prior.id, &prior.title, &prior.enrollment, &prior.maxEnrollment,
			&prior.waitCount, &prior.waitCapacity, &prior.instructionalMethod,
			&prior.campus, &prior.creditHoursLow, &prior.creditHoursHigh,
			&prior.crossListGroup, &prior.meetingTimesJSON, &prior.attributesJSON,
		)
		hasPrior = scanErr == nil

		var courseID string
		err = tx.QueryRow(ctx, `
			INSERT INTO courses (
				crn, term_code, subject, course_number, title, enrollment,
				max_enrollment, wait_count, wait_capacity, instructional_method,
				campus, credit_hours_low, credit_hours_high, cross_list_group,
				part_of_term, meeting_times, attributes, last_scraped_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16::jsonb,$17::jsonb,NOW())
			ON CONFLICT (crn, term_code) DO UPDATE SET
				subject = EXCLUDED.subject,
				course_number = EXCLUDED.course_number,
				title = EXCLUDED.title,
				enrollment = EXCLUDED.enrollment,
				max_enrollment = EXCLUDED.max_enrollment,
				wait_count = EXCLUDED.wait_count,
				wait_capacity = EXCLUDED.wait_capacity,
				instructional_method = EXCLUDED.instructional_method,
				campus = EXCLUDED.campus,
				credit_hours_low = EXCLUDED.credit_hours_low,
				credit_hours_high = EXCLUDED.credit_hours_high,
				cross_list_group = EXCLUDED.cross_list_group,
				part_of_term = EXCLUDED.part_of_term,
				meeting_times = EXCLUDED.meeting_times,
				attributes = EXCLUDED.attributes,
				last_scraped_at = NOW()
			RETURNING id`,
			c.CRN, c.TermCode, c.Subject, c.CourseNumber, c.Title, c.Enrollment,
			c.MaxEnrollment, c.WaitCount, c.WaitCapacity, c.InstructionalMethod,
			c.Campus, c.CreditHoursLow, c.CreditHoursHigh, nullIfEmpty(c.CrossListGroup),
			c.PartOfTerm, string(meetingsJSON), string(attrsJSON),
		).Scan(&courseID)
		if err != nil {
			return counts, nil, fmt.Errorf("upsert course %s/%s: %w", c.CRN, c.TermCode, err)
		}

		if !hasPrior {
			counts.CoursesChanged++ // fresh insert: counts as changed, but no diff means no audits
			continue
		}

		changed := diffWatchedFields(prior, c, string(meetingsJSON), string(attrsJSON))
		if len(changed) == 0 {
			counts.CoursesUnchanged++
			continue
		}
		counts.CoursesChanged++

		audits := make([]domain.AuditEntry, 0, len(changed))
		enrollmentChanged := false
		for _, ch := range changed {
			audits = append(audits, domain.AuditEntry{
				CourseID: courseID, FieldChanged: ch.field, OldValue: ch.old, NewValue: ch.new,
			})
			if domain.EnrollmentFields[ch.field] {
				enrollmentChanged = true
			}
		}

		for _, a := range audits {
			if _, err := tx.Exec(ctx, `
				INSERT INTO course_audits (course_id, timestamp, field_changed, old_value, new_value)
				VALUES ($1, NOW(), $2, $3, $4)`, a.CourseID, a.FieldChanged, a.OldValue, a.NewValue); err != nil {
				return counts, nil, fmt.Errorf("insert audit: %w", err)
			}
		}
		counts.AuditsGenerated += len(audits)
		allAudits = append(allAudits, audits...)

		if enrollmentChanged {
			seatsAvailable := c.MaxEnrollment - c.Enrollment
			if _, err := tx.Exec(ctx, `
				INSERT INTO course_metrics (course_id, timestamp, enrollment, max_enrollment, wait_count, seats_available)
				VALUES ($1, NOW(), $2, $3, $4, $5)`,
				courseID, c.Enrollment, c.MaxEnrollment, c.WaitCount, seatsAvailable); err != nil {
				return counts, nil, fmt.Errorf("insert metric: %w", err)
			}
			counts.MetricsGenerated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return counts, nil, fmt.Errorf("commit batch upsert: %w", err)
	}
	return counts, allAudits, nil
}

type fieldChange struct{ field, old, new string }

func diffWatchedFields(prior priorCourse, c domain.Course, meetingsJSON, attrsJSON string) []fieldChange {
	var changes []fieldChange
	add := func(field, old, new string) {
		if old != new {
			changes = append(changes, fieldChange{field, old, new})
		}
	}
	add("title", prior.title, c.Title)
	add("enrollment", strconv.Itoa(prior.enrollment), strconv.Itoa(c.Enrollment))
	add("max_enrollment", strconv.Itoa(prior.maxEnrollment), strconv.Itoa(c.MaxEnrollment))
	add("wait_count", strconv.Itoa(prior.waitCount), strconv.Itoa(c.WaitCount))
	add("wait_capacity", strconv.Itoa(prior.waitCapacity), strconv.Itoa(c.WaitCapacity))
	add("instructional_method", prior.instructionalMethod, c.InstructionalMethod)
	add("campus", prior.campus, c.Campus)
	add("credit_hours_low", strconv.FormatFloat(prior.creditHoursLow, 'f', -1, 64), strconv.FormatFloat(c.CreditHoursLow, 'f', -1, 64))
	add("credit_hours_high", strconv.FormatFloat(prior.creditHoursHigh, 'f', -1, 64), strconv.FormatFloat(c.CreditHoursHigh, 'f', -1, 64))
	add("cross_list_group", prior.crossListGroup, c.CrossListGroup)
	add("meeting_times", normalizeJSON(prior.meetingTimesJSON), normalizeJSON(meetingsJSON))
	add("attributes", normalizeJSON(prior.attributesJSON), normalizeJSON(attrsJSON))
	return changes
}

// normalizeJSON gives a best-effort stable comparison key for JSON text
// columns without a full canonical-JSON dependency: re-marshal through the
// standard decoder/encoder round trip, which at least normalizes
// whitespace and key order for map-shaped values.
func normalizeJSON(raw string) string {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return string(out)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SearchFilter captures every predicate search_courses supports; a
// nil/zero field disables its clause.
type SearchFilter struct {
	Term                string
	Subjects            []string
	Title               string
	CourseNumberLow     *int
	CourseNumberHigh    *int
	OpenOnly            bool
	InstructionalMethods []string
	Campuses            []string
	WaitCountMax        *int
	Days                []string
	TimeStart           string
	TimeEnd             string
	PartOfTerms         []string
	Attributes          []string
	CreditHoursLow      *float64
	CreditHoursHigh     *float64
	InstructorSubstring string

	Sort      SortColumn
	Desc      bool
	Limit     int
	Offset    int
}

type SortColumn string

const (
	SortCourseCode    SortColumn = "course_code"
	SortTitle         SortColumn = "title"
	SortInstructor    SortColumn = "instructor"
	SortFirstMeeting  SortColumn = "first_meeting"
	SortOpenSeats     SortColumn = "open_seats"
)

// sortClause is a hardcoded safe ORDER BY per column, never built from
// user input directly.
func sortClause(col SortColumn, desc bool) string {
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	switch col {
	case SortTitle:
		return "title " + dir
	case SortInstructor:
		return "primary_instructor_name " + dir
	case SortFirstMeeting:
		return "first_meeting_begin " + dir + " NULLS LAST"
	case SortOpenSeats:
		return "(max_enrollment - enrollment) " + dir
	default:
		return "subject " + dir + ", course_number " + dir
	}
}

// SearchCourses applies every filter in f and returns the matching rows
// plus the total match count (pre-pagination).
func (s *CourseStore) SearchCourses(ctx context.Context, f SearchFilter) ([]domain.Course, int, error) {
	where := []string{"term_code = $1"}
	args := []any{f.Term}

	addArg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Subjects) > 0 {
		where = append(where, "subject = ANY("+addArg(f.Subjects)+")")
	}
	if f.Title != "" {
		ph := addArg(f.Title)
		where = append(where, fmt.Sprintf(
			"(to_tsvector('english', title) @@ plainto_tsquery('english', %s) OR title ILIKE '%%' || %s || '%%')",
			ph, ph))
	}
	if f.CourseNumberLow != nil {
		where = append(where, "COALESCE(NULLIF(regexp_replace(course_number, '[^0-9]', '', 'g'), '')::int, 0) >= "+addArg(*f.CourseNumberLow))
	}
	if f.CourseNumberHigh != nil {
		where = append(where, "COALESCE(NULLIF(regexp_replace(course_number, '[^0-9]', '', 'g'), '')::int, 0) <= "+addArg(*f.CourseNumberHigh))
	}
	if f.OpenOnly {
		where = append(where, "max_enrollment > enrollment")
	}
	if len(f.InstructionalMethods) > 0 {
		where = append(where, "instructional_method = ANY("+addArg(f.InstructionalMethods)+")")
	}
	if len(f.Campuses) > 0 {
		where = append(where, "campus = ANY("+addArg(f.Campuses)+")")
	}
	if f.WaitCountMax != nil {
		where = append(where, "wait_count <= "+addArg(*f.WaitCountMax))
	}
	if len(f.Days) > 0 {
		// A course matches iff at least one meeting's day set is a superset
		// of the requested set (AND semantics across the requested days).
		conds := make([]string, 0, len(f.Days))
		for _, d := range f.Days {
			conds = append(conds, fmt.Sprintf("(m->>%s)::boolean", quoteLiteral(d)))
		}
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(meeting_times) m WHERE %s)",
			strings.Join(conds, " AND ")))
	}
	if f.TimeStart != "" {
		where = append(where, "EXISTS (SELECT 1 FROM jsonb_array_elements(meeting_times) m WHERE (m->>'beginTime') >= "+addArg(f.TimeStart)+")")
	}
	if f.TimeEnd != "" {
		where = append(where, "EXISTS (SELECT 1 FROM jsonb_array_elements(meeting_times) m WHERE (m->>'endTime') <= "+addArg(f.TimeEnd)+")")
	}
	if len(f.PartOfTerms) > 0 {
		where = append(where, "part_of_term = ANY("+addArg(f.PartOfTerms)+")")
	}
	if len(f.Attributes) > 0 {
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements_text(attributes) a WHERE a = ANY(%s))",
			addArg(f.Attributes)))
	}
	if f.CreditHoursLow != nil {
		where = append(where, "COALESCE(credit_hours_high, credit_hours_low) >= "+addArg(*f.CreditHoursLow))
	}
	if f.CreditHoursHigh != nil {
		where = append(where, "COALESCE(credit_hours_low, credit_hours_high) <= "+addArg(*f.CreditHoursHigh))
	}
	if f.InstructorSubstring != "" {
		where = append(where, fmt.Sprintf(
			`EXISTS (
				SELECT 1 FROM course_instructors ci
				JOIN instructors i ON i.id = ci.instructor_id
				WHERE ci.course_id = courses.id AND i.display_name ILIKE '%%' || %s || '%%'
			)`, addArg(f.InstructorSubstring)))
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM courses WHERE %s`, strings.Join(where, " AND "))
	var total int
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search_courses: %w", err)
	}

	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT id, crn, term_code, subject, course_number, title, enrollment,
		       max_enrollment, wait_count, wait_capacity, instructional_method,
		       campus, credit_hours_low, credit_hours_high, COALESCE(cross_list_group, ''),
		       part_of_term, meeting_times, attributes, last_scraped_at
		FROM courses
		WHERE %s
		ORDER BY %s
		LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), sortClause(f.Sort, f.Desc), len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search_courses: %w", err)
	}
	defer rows.Close()

	var out []domain.Course
	for rows.Next() {
		var c domain.Course
		var meetingsRaw, attrsRaw []byte
		if err := rows.Scan(
			&c.ID, &c.CRN, &c.TermCode, &c.Subject, &c.CourseNumber, &c.Title, &c.Enrollment,
			&c.MaxEnrollment, &c.WaitCount, &c.WaitCapacity, &c.InstructionalMethod,
			&c.Campus, &c.CreditHoursLow, &c.CreditHoursHigh, &c.CrossListGroup,
			&c.PartOfTerm, &meetingsRaw, &attrsRaw, &c.LastScrapedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan course: %w", err)
		}
		_ = json.Unmarshal(meetingsRaw, &c.MeetingTimes)
		_ = json.Unmarshal(attrsRaw, &c.Attributes)
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (s *CourseStore) GetCourseByCRN(ctx context.Context, term, crn string) (*domain.Course, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, crn, term_code, subject, course_number, title, enrollment,
		       max_enrollment, wait_count, wait_capacity, instructional_method,
		       campus, credit_hours_low, credit_hours_high, COALESCE(cross_list_group, ''),
		       part_of_term, meeting_times, attributes, last_scraped_at
		FROM courses WHERE crn = $1 AND term_code = $2`, crn, term)

	var c domain.Course
	var meetingsRaw, attrsRaw []byte
	err := row.Scan(
		&c.ID, &c.CRN, &c.TermCode, &c.Subject, &c.CourseNumber, &c.Title, &c.Enrollment,
		&c.MaxEnrollment, &c.WaitCount, &c.WaitCapacity, &c.InstructionalMethod,
		&c.Campus, &c.CreditHoursLow, &c.CreditHoursHigh, &c.CrossListGroup,
		&c.PartOfTerm, &meetingsRaw, &attrsRaw, &c.LastScrapedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCourseNotFound
		}
		return nil, fmt.Errorf("get course by crn: %w", err)
	}
	_ = json.Unmarshal(meetingsRaw, &c.MeetingTimes)
	_ = json.Unmarshal(attrsRaw, &c.Attributes)
	return &c, nil
}

// ListRecentAudits returns the most recent audit entries across all
// courses, newest first, bounded by limit. Used by StreamHub to build an
// AuditLog subscription's initial snapshot.
func (s *CourseStore) ListRecentAudits(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, course_id, timestamp, field_changed, old_value, new_value
		FROM course_audits
		ORDER BY timestamp DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent audits: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		if err := rows.Scan(&a.ID, &a.CourseID, &a.Timestamp, &a.FieldChanged, &a.OldValue, &a.NewValue); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// quoteLiteral renders a Go string constant as a single-quoted SQL
// literal for use inside a dynamically built jsonb key access, where a
// placeholder can't be used because it names a JSON key, not a value.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
