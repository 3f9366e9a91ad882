package banner

import (
	"strings"

	"github.com/catalogmirror/banner-scrape/internal/domain"
)

// courseWire mirrors the upstream's JSON course shape closely enough to
// decode it; ToDomain() maps it onto the stable internal representation so
// the rest of the system never depends on upstream field names directly.
type courseWire struct {
	CourseReferenceNumber string             `json:"courseReferenceNumber"`
	Term                  string             `json:"term"`
	Subject               string             `json:"subject"`
	CourseNumber          string             `json:"courseNumber"`
	CourseTitle           string             `json:"courseTitle"`
	Enrollment            int                `json:"enrollment"`
	MaximumEnrollment     int                `json:"maximumEnrollment"`
	WaitCount             int                `json:"waitCount"`
	WaitCapacity          int                `json:"waitCapacity"`
	InstructionalMethod   string             `json:"instructionalMethod"`
	Campus                string             `json:"campusDescription"`
	CreditHourLow         float64            `json:"creditHourLow"`
	CreditHourHigh        float64            `json:"creditHourHigh"`
	CrossList             string             `json:"crossList"`
	PartOfTerm            string             `json:"partOfTerm"`
	MeetingsFaculty       []meetingFaculty   `json:"meetingsFaculty"`
	SectionAttributes     []attributeWire    `json:"sectionAttributes"`
}

type attributeWire struct {
	Code string `json:"code"`
}

type meetingFaculty struct {
	MeetingTime meetingTimeWire `json:"meetingTime"`
}

type meetingTimeWire struct {
	BeginTime           string `json:"beginTime"`
	EndTime             string `json:"endTime"`
	StartDate           string `json:"startDate"`
	EndDate             string `json:"endDate"`
	Monday              bool   `json:"monday"`
	Tuesday             bool   `json:"tuesday"`
	Wednesday           bool   `json:"wednesday"`
	Thursday            bool   `json:"thursday"`
	Friday              bool   `json:"friday"`
	Saturday            bool   `json:"saturday"`
	Sunday              bool   `json:"sunday"`
	Building            string `json:"building"`
	Room                string `json:"room"`
	MeetingType         string `json:"meetingType"`
	MeetingScheduleType string `json:"meetingScheduleType"`
}

func (c courseWire) ToDomain() domain.Course {
	meetings := make([]domain.MeetingTime, 0, len(c.MeetingsFaculty))
	for _, mf := range c.MeetingsFaculty {
		mt := mf.MeetingTime
		loc := strings.TrimSpace(mt.Building + " " + mt.Room)
		meetings = append(meetings, domain.MeetingTime{
			BeginTime:           mt.BeginTime,
			EndTime:             mt.EndTime,
			StartDate:           mt.StartDate,
			EndDate:             mt.EndDate,
			Monday:              mt.Monday,
			Tuesday:             mt.Tuesday,
			Wednesday:           mt.Wednesday,
			Thursday:            mt.Thursday,
			Friday:              mt.Friday,
			Saturday:            mt.Saturday,
			Sunday:              mt.Sunday,
			Location:            loc,
			MeetingType:         mt.MeetingType,
			MeetingScheduleType: mt.MeetingScheduleType,
		})
	}

	attrs := make([]string, 0, len(c.SectionAttributes))
	for _, a := range c.SectionAttributes {
		attrs = append(attrs, a.Code)
	}

	return domain.Course{
		CRN:                 c.CourseReferenceNumber,
		TermCode:            c.Term,
		Subject:             c.Subject,
		CourseNumber:        c.CourseNumber,
		Title:               c.CourseTitle,
		Enrollment:          c.Enrollment,
		MaxEnrollment:       c.MaximumEnrollment,
		WaitCount:           c.WaitCount,
		WaitCapacity:        c.WaitCapacity,
		InstructionalMethod: c.InstructionalMethod,
		Campus:              c.Campus,
		CreditHoursLow:      c.CreditHourLow,
		CreditHoursHigh:     c.CreditHourHigh,
		CrossListGroup:      c.CrossList,
		PartOfTerm:          c.PartOfTerm,
		MeetingTimes:        meetings,
		Attributes:          attrs,
	}
}

// searchResponse is the envelope returned by /searchResults/searchResults.
type searchResponse struct {
	Success    bool         `json:"success"`
	PathMode   *string      `json:"pathMode"`
	TotalCount int          `json:"totalCount"`
	Data       []courseWire `json:"data"`
}

type subjectWire struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type campusWire struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type instructorWire struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// termWire mirrors one row of the upstream's getTerms response.
type termWire struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}
