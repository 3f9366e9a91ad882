package banner

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/domain"
)

// SearchResult is the decoded outcome of Client.Search.
type SearchResult struct {
	TotalCount int
	Data       []domain.Course
}

// Client is a typed wrapper over an HTTP client wired through RateLimiter
// and request-log middleware, with a hardened transport (bounded
// connection pool, capped redirects, TLS 1.2 floor) suited to long-lived
// outbound calls against a single upstream host.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    Acquirer
	sessions   *SessionPool
	logger     *slog.Logger
}

func NewClient(baseURL string, limiter Acquirer, logger *slog.Logger) *Client {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    limiter,
		sessions:   NewSessionPool(baseURL, httpClient, limiter),
		logger:     logger.With("component", "banner_client"),
	}
}

// Search is the critical operation: build params, ensure/reset a session,
// issue the GET, detect session death, and parse the envelope.
func (c *Client) Search(ctx context.Context, term string, query *SearchQuery, sortCol string, desc bool) (*SearchResult, error) {
	session, err := c.sessions.Acquire(ctx, term)
	if err != nil {
		return nil, err
	}

	if session.BeenUsed() {
		if err := c.resetDataForm(ctx, session); err != nil {
			return nil, err
		}
	}

	if err := c.limiter.Acquire(ctx, ClassSearch); err != nil {
		return nil, err
	}

	params := query.Params(term)
	params.Set("sortColumn", sortCol)
	if desc {
		params.Set("sortDirection", "desc")
	}

	body, err := c.getWithSession(ctx, session, "/searchResults/searchResults", params)
	if err != nil {
		return nil, err
	}
	session.markUsed()

	var envelope searchResponse
	if err := decodeJSON(strings.NewReader(body), &envelope); err != nil {
		return nil, parseFailureFrom(body, err)
	}

	if sessionDied(&envelope) {
		c.sessions.Evict(term)
		return nil, &InvalidSessionError{Cause: "search response missing pathMode/data or success=false"}
	}

	courses := make([]domain.Course, 0, len(envelope.Data))
	for _, cw := range envelope.Data {
		courses = append(courses, cw.ToDomain())
	}

	return &SearchResult{TotalCount: envelope.TotalCount, Data: courses}, nil
}

// sessionDied detects a rejected session: pathMode absent, or data absent
// while pathMode is "registration", or success==false.
func sessionDied(r *searchResponse) bool {
	if r.PathMode == nil {
		return true
	}
	if *r.PathMode == "registration" && r.Data == nil {
		return true
	}
	return !r.Success
}

// GetCourseByCRN issues a minimal 1-result search for a single CRN. Its
// session-death check is narrower than Search's: only a registration
// pathMode with no data counts, since a single-CRN lookup's response
// shape is otherwise more permissive than a general search's.
func (c *Client) GetCourseByCRN(ctx context.Context, term, crn string) (*domain.Course, error) {
	session, err := c.sessions.Acquire(ctx, term)
	if err != nil {
		return nil, err
	}
	if session.BeenUsed() {
		if err := c.resetDataForm(ctx, session); err != nil {
			return nil, err
		}
	}
	if err := c.limiter.Acquire(ctx, ClassSearch); err != nil {
		return nil, err
	}

	params := url.Values{"txt_term": {term}, "txt_courseReferenceNumber": {crn}, "pageOffset": {"0"}, "pageMaxSize": {"1"}}
	body, err := c.getWithSession(ctx, session, "/searchResults/searchResults", params)
	if err != nil {
		return nil, err
	}
	session.markUsed()

	var envelope searchResponse
	if err := decodeJSON(strings.NewReader(body), &envelope); err != nil {
		return nil, parseFailureFrom(body, err)
	}

	if envelope.PathMode != nil && *envelope.PathMode == "registration" && envelope.Data == nil {
		c.sessions.Evict(term)
		return nil, &InvalidSessionError{Cause: "get_course_by_crn response missing data for registration pathMode"}
	}

	if len(envelope.Data) == 0 {
		return nil, fmt.Errorf("banner: no course found for crn %s term %s", crn, term)
	}
	course := envelope.Data[0].ToDomain()
	return &course, nil
}

func (c *Client) resetDataForm(ctx context.Context, session *Session) error {
	if err := c.limiter.Acquire(ctx, ClassReset); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classSearch/resetDataForm", nil)
	if err != nil {
		return err
	}
	setCommonHeaders(req)
	req.Header.Set("Cookie", "JSESSIONID="+session.ID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientUpstreamError{Cause: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	session.clearUsed()
	return nil
}

func (c *Client) getWithSession(ctx context.Context, session *Session, path string, params url.Values) (string, error) {
	u := c.baseURL + path
	if params != nil {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	setCommonHeaders(req)
	req.Header.Set("Cookie", "JSESSIONID="+session.ID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransientUpstreamError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", &TransientUpstreamError{Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return "", &ThrottledError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransientUpstreamError{Cause: err}
	}

	c.logger.DebugContext(ctx, "banner request complete",
		"path", path, "status", resp.StatusCode, "duration", time.Since(start))

	return string(body), nil
}

// GetSubjects, GetCampuses, and GetInstructors follow the metadata pattern:
// rate-limited GET against a getXxx endpoint, decode a flat list.
func (c *Client) GetSubjects(ctx context.Context, term string) ([]subjectWire, error) {
	return getMetadataList[subjectWire](ctx, c, "/classSearch/get_subject", term)
}

func (c *Client) GetCampuses(ctx context.Context, term string) ([]campusWire, error) {
	return getMetadataList[campusWire](ctx, c, "/classSearch/get_campus", term)
}

func (c *Client) GetInstructors(ctx context.Context, term, searchTerm string) ([]instructorWire, error) {
	return getMetadataList[instructorWire](ctx, c, "/classSearch/get_instructor", term)
}

// GetTerms lists every term code the upstream currently exposes, newest
// first, used by the term-sync job to discover newly opened terms.
func (c *Client) GetTerms(ctx context.Context) ([]TermDescriptor, error) {
	rows, err := getMetadataList[termWire](ctx, c, "/classSearch/getTerms", "")
	if err != nil {
		return nil, err
	}
	out := make([]TermDescriptor, 0, len(rows))
	for _, r := range rows {
		out = append(out, TermDescriptor{Code: r.Code, Description: r.Description})
	}
	return out, nil
}

// TermDescriptor is GetTerms's decoded row, stable across upstream JSON
// field churn.
type TermDescriptor struct {
	Code        string
	Description string
}

func getMetadataList[T any](ctx context.Context, c *Client, path, term string) ([]T, error) {
	if err := c.limiter.Acquire(ctx, ClassMetadata); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?searchTerm=&term="+url.QueryEscape(term)+"&offset=1&max=500&_="+nonce(), nil)
	if err != nil {
		return nil, err
	}
	setCommonHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientUpstreamError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientUpstreamError{Cause: err}
	}

	var out []T
	if err := decodeJSON(strings.NewReader(string(body)), &out); err != nil {
		return nil, parseFailureFrom(string(body), err)
	}
	return out, nil
}
