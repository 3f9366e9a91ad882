package banner

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// sessionExpiry bounds how long a warmed-up session stays usable before
// SessionPool discards it and builds a fresh one on next acquire.
const sessionExpiry = 25 * time.Minute

const alphanumCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Session is an opaque handle the upstream's search endpoint needs to
// return data instead of an empty registration envelope.
type Session struct {
	ID           string
	Term         string
	Jar          http.CookieJar
	createdAt    time.Time

	mu   sync.Mutex
	used bool
}

func newSession(term string) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("new cookie jar: %w", err)
	}
	return &Session{
		ID:        generateSessionID(),
		Term:      term,
		Jar:       jar,
		createdAt: time.Now(),
	}, nil
}

func (s *Session) expired() bool {
	return time.Since(s.createdAt) >= sessionExpiry
}

// BeenUsed reports whether a search has already been issued on this
// session; a true result means resetDataForm must be POSTed first.
func (s *Session) BeenUsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *Session) markUsed() {
	s.mu.Lock()
	s.used = true
	s.mu.Unlock()
}

func (s *Session) clearUsed() {
	s.mu.Lock()
	s.used = false
	s.mu.Unlock()
}

// generateSessionID mirrors the upstream's own client-side session id
// generation: alphanum(5) + current millis, so the cookie value looks
// like one the real client would have produced.
func generateSessionID() string {
	buf := make([]byte, 5)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphanumCharset))))
		if err != nil {
			// crypto/rand failure is effectively unrecoverable process state;
			// fall back to a fixed char rather than panic.
			buf[i] = 'x'
			continue
		}
		buf[i] = alphanumCharset[n.Int64()]
	}
	return string(buf) + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func nonce() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// SessionPool lazily creates, warms, and recycles Banner sessions keyed by
// term. Acquire holds its mutex across the whole warm-up dance rather than
// releasing it early, so two concurrent acquires for the same
// never-yet-warmed term serialize through the warm-up instead of racing
// two warm-ups against each other.
type SessionPool struct {
	baseURL    string
	httpClient *http.Client
	limiter    Acquirer

	mu       sync.Mutex
	sessions map[string]*Session // keyed by term
}

// Acquirer is satisfied by *ratelimit.Limiter; declared here to avoid an
// import cycle (ratelimit has no reason to depend on banner).
type Acquirer interface {
	Acquire(ctx context.Context, class string) error
}

func NewSessionPool(baseURL string, httpClient *http.Client, limiter Acquirer) *SessionPool {
	return &SessionPool{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    limiter,
		sessions:   make(map[string]*Session),
	}
}

// Acquire returns the cached session for term, rebuilding it if absent or
// expired.
func (p *SessionPool) Acquire(ctx context.Context, term string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[term]; ok && !s.expired() {
		return s, nil
	}

	s, err := p.warmUp(ctx, term)
	if err != nil {
		return nil, err
	}
	p.sessions[term] = s
	return s, nil
}

// Evict discards the cached session for term; the next Acquire rebuilds it.
func (p *SessionPool) Evict(term string) {
	p.mu.Lock()
	delete(p.sessions, term)
	p.mu.Unlock()
}

// warmUp performs the four-request dance: hit the registration landing
// page, fetch the self-service menu data, post term selection, follow the
// redirect.
func (p *SessionPool) warmUp(ctx context.Context, term string) (*Session, error) {
	s, err := newSession(term)
	if err != nil {
		return nil, err
	}

	if err := p.limiter.Acquire(ctx, ClassSession); err != nil {
		return nil, err
	}
	if err := p.get(ctx, s, "/registration/registration", nil); err != nil {
		return nil, &TransientUpstreamError{Cause: err}
	}

	if err := p.limiter.Acquire(ctx, ClassSession); err != nil {
		return nil, err
	}
	if err := p.get(ctx, s, "/selfServiceMenu/data", url.Values{"_": {nonce()}}); err != nil {
		return nil, &TransientUpstreamError{Cause: err}
	}

	if err := p.limiter.Acquire(ctx, ClassSession); err != nil {
		return nil, err
	}
	fwdURL, err := p.selectTerm(ctx, s, term)
	if err != nil {
		return nil, err
	}

	if err := p.limiter.Acquire(ctx, ClassSession); err != nil {
		return nil, err
	}
	if fwdURL != "" {
		if err := p.getAbsolute(ctx, s, fwdURL); err != nil {
			return nil, &TransientUpstreamError{Cause: err}
		}
	}

	return s, nil
}

type termSearchResponse struct {
	FwdURL string `json:"fwdUrl"`
}

func (p *SessionPool) selectTerm(ctx context.Context, s *Session, term string) (string, error) {
	form := url.Values{"term": {term}, "studyPath": {""}, "studyPathText": {""}, "startDatepicker": {""}, "endDatepicker": {""}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/term/search?mode=search", nil)
	if err != nil {
		return "", err
	}
	req.Body = io.NopCloser(httpFormBody(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	setCommonHeaders(req)
	req.Header.Set("Cookie", "JSESSIONID="+s.ID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &TransientUpstreamError{Cause: err}
	}
	defer resp.Body.Close()

	var out termSearchResponse
	if err := decodeJSON(resp.Body, &out); err != nil {
		return "", &ParseFailureError{Cause: err}
	}
	return out.FwdURL, nil
}

// get issues a warm-up GET whose response body is irrelevant beyond its
// side effects on the upstream's session state; the body is drained and
// closed so the connection returns to the pool.
func (p *SessionPool) get(ctx context.Context, s *Session, path string, query url.Values) error {
	u := p.baseURL + path
	if query != nil {
		u += "?" + query.Encode()
	}
	return p.getAbsolute(ctx, s, u)
}

func (p *SessionPool) getAbsolute(ctx context.Context, s *Session, absoluteURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, absoluteURL, nil)
	if err != nil {
		return err
	}
	setCommonHeaders(req)
	req.Header.Set("Cookie", "JSESSIONID="+s.ID)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func setCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
}
