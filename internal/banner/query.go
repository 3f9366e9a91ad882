package banner

import (
	"net/url"
	"strconv"
	"strings"
)

// SearchQuery builds the parameter map for /searchResults/searchResults.
// Each field defaults to its zero value, which means "no filter"; Params
// only emits keys for fields that were actually set.
type SearchQuery struct {
	subject          string
	courseNumberLow  int
	courseNumberHigh int
	keywords         string
	instructorID     string
	creditLow        float64
	creditHigh       float64
	openOnly         bool
	days             []string
	startTime        string
	endTime          string
	attributes       []string
	partOfTerm       string
	maxResults       int
	pageOffset       int
}

func NewSearchQuery() *SearchQuery { return &SearchQuery{maxResults: 500} }

func (q *SearchQuery) Subject(s string) *SearchQuery          { q.subject = s; return q }
func (q *SearchQuery) CourseNumberRange(lo, hi int) *SearchQuery { q.courseNumberLow, q.courseNumberHigh = lo, hi; return q }
func (q *SearchQuery) Keywords(k string) *SearchQuery         { q.keywords = k; return q }
func (q *SearchQuery) InstructorID(id string) *SearchQuery    { q.instructorID = id; return q }
func (q *SearchQuery) CreditRange(lo, hi float64) *SearchQuery { q.creditLow, q.creditHigh = lo, hi; return q }
func (q *SearchQuery) OpenOnly(v bool) *SearchQuery           { q.openOnly = v; return q }
func (q *SearchQuery) Days(days []string) *SearchQuery        { q.days = days; return q }
func (q *SearchQuery) TimeWindow(start, end string) *SearchQuery { q.startTime, q.endTime = start, end; return q }
func (q *SearchQuery) Attributes(attrs []string) *SearchQuery { q.attributes = attrs; return q }
func (q *SearchQuery) PartOfTerm(p string) *SearchQuery       { q.partOfTerm = p; return q }
func (q *SearchQuery) MaxResults(n int) *SearchQuery          { q.maxResults = n; return q }
func (q *SearchQuery) PageOffset(n int) *SearchQuery          { q.pageOffset = n; return q }

// Params renders the query into the upstream's flat form-parameter shape.
func (q *SearchQuery) Params(term string) url.Values {
	v := url.Values{}
	v.Set("txt_term", term)
	if q.subject != "" {
		v.Set("txt_subject", q.subject)
	}
	if q.courseNumberLow != 0 {
		v.Set("txt_courseNumberLow", strconv.Itoa(q.courseNumberLow))
	}
	if q.courseNumberHigh != 0 {
		v.Set("txt_courseNumberHigh", strconv.Itoa(q.courseNumberHigh))
	}
	if q.keywords != "" {
		v.Set("txt_keywordlike", q.keywords)
	}
	if q.instructorID != "" {
		v.Set("txt_instructor", q.instructorID)
	}
	if q.creditLow != 0 {
		v.Set("txt_creditHourLow", strconv.FormatFloat(q.creditLow, 'f', -1, 64))
	}
	if q.creditHigh != 0 {
		v.Set("txt_creditHourHigh", strconv.FormatFloat(q.creditHigh, 'f', -1, 64))
	}
	if q.openOnly {
		v.Set("chk_open_only", "true")
	}
	if len(q.days) > 0 {
		v.Set("txt_days", strings.Join(q.days, ","))
	}
	if q.startTime != "" {
		v.Set("txt_startTime", q.startTime)
	}
	if q.endTime != "" {
		v.Set("txt_endTime", q.endTime)
	}
	if len(q.attributes) > 0 {
		v.Set("txt_attribute", strings.Join(q.attributes, ","))
	}
	if q.partOfTerm != "" {
		v.Set("txt_partOfTerm", q.partOfTerm)
	}
	v.Set("pageOffset", strconv.Itoa(q.pageOffset))
	v.Set("pageMaxSize", strconv.Itoa(q.maxResults))
	v.Set("sortColumn", "subjectDescription")
	v.Set("sortDirection", "asc")
	return v
}
