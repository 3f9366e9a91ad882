package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/catalogmirror/banner-scrape/internal/store/postgres"
	"github.com/gin-gonic/gin"
)

// CourseHandler exposes the catalog mirror's read path: one search
// endpoint mirroring internal/store/postgres.SearchCourses's filter set
// one-for-one, plus a single-course lookup.
type CourseHandler struct {
	courses *postgres.CourseStore
	logger  *slog.Logger
}

func NewCourseHandler(courses *postgres.CourseStore, logger *slog.Logger) *CourseHandler {
	return &CourseHandler{courses: courses, logger: logger.With("component", "course_handler")}
}

// GET /courses?term=202620&subject=CS,MATH&open_only=true&sort=course_code&page=1&page_size=25
func (h *CourseHandler) Search(c *gin.Context) {
	q := c.Request.URL.Query()

	f := postgres.SearchFilter{
		Term:                q.Get("term"),
		Subjects:            splitCSV(q.Get("subject")),
		Title:               q.Get("title"),
		InstructionalMethods: splitCSV(q.Get("instructional_method")),
		Campuses:            splitCSV(q.Get("campus")),
		Days:                splitCSV(q.Get("days")),
		TimeStart:           q.Get("time_start"),
		TimeEnd:             q.Get("time_end"),
		PartOfTerms:         splitCSV(q.Get("part_of_term")),
		Attributes:          splitCSV(q.Get("attribute")),
		InstructorSubstring: q.Get("instructor"),
		OpenOnly:            q.Get("open_only") == "true",
		Sort:                postgres.SortColumn(q.Get("sort")),
		Desc:                q.Get("desc") == "true",
	}

	if f.Term == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_TERM", "message": "term is required"})
		return
	}

	if v := q.Get("course_number_low"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.CourseNumberLow = &n
		}
	}
	if v := q.Get("course_number_high"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.CourseNumberHigh = &n
		}
	}
	if v := q.Get("wait_count_max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.WaitCountMax = &n
		}
	}
	if v := q.Get("credit_hours_low"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			f.CreditHoursLow = &n
		}
	}
	if v := q.Get("credit_hours_high"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			f.CreditHoursHigh = &n
		}
	}

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}
	f.Limit = pageSize
	f.Offset = (page - 1) * pageSize

	courses, total, err := h.courses.SearchCourses(c.Request.Context(), f)
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "search courses", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"courses":   courses,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GET /courses/:term/:crn
func (h *CourseHandler) GetByCRN(c *gin.Context) {
	term := c.Param("term")
	crn := c.Param("crn")

	course, err := h.courses.GetCourseByCRN(c.Request.Context(), term, crn)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "course not found"})
		return
	}
	c.JSON(http.StatusOK, course)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
