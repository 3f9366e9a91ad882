// Package ratelimit implements the per-class token-bucket throttle the
// Banner client must respect to stay under the upstream's implicit
// politeness budget.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/metrics"
	"golang.org/x/time/rate"
)

// RequestClass is one of the four independent token-bucket keys.
type RequestClass string

const (
	ClassSession  RequestClass = "session"
	ClassSearch   RequestClass = "search"
	ClassMetadata RequestClass = "metadata"
	ClassReset    RequestClass = "reset"
)

// Config holds the steady-state rate (requests per minute) for each class
// plus a shared burst allowance.
type Config struct {
	SessionRPM      int
	SearchRPM       int
	MetadataRPM     int
	ResetRPM        int
	BurstAllowance  int
}

func DefaultConfig() Config {
	return Config{
		SessionRPM:     6,
		SearchRPM:      30,
		MetadataRPM:    20,
		ResetRPM:       10,
		BurstAllowance: 3,
	}
}

// Limiter owns one *rate.Limiter per RequestClass. Acquire suspends
// cooperatively until a token is available; it fails only for context
// cancellation or an unknown class, and never mixes classes — a burst in Search never
// borrows from Session's bucket.
type Limiter struct {
	buckets map[RequestClass]*rate.Limiter
}

func New(cfg Config) *Limiter {
	mk := func(rpm int) *rate.Limiter {
		return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), cfg.BurstAllowance)
	}
	return &Limiter{
		buckets: map[RequestClass]*rate.Limiter{
			ClassSession:  mk(cfg.SessionRPM),
			ClassSearch:   mk(cfg.SearchRPM),
			ClassMetadata: mk(cfg.MetadataRPM),
			ClassReset:    mk(cfg.ResetRPM),
		},
	}
}

// Acquire blocks (cooperatively, via ctx) until a token is available in the
// named class's bucket. class is a plain string so callers in internal/banner
// don't need to import this package's types (see banner.Acquirer).
func (l *Limiter) Acquire(ctx context.Context, class string) error {
	b, ok := l.buckets[RequestClass(class)]
	if !ok {
		return fmt.Errorf("ratelimit: unknown class %q", class)
	}
	started := time.Now()
	err := b.Wait(ctx)
	metrics.RateLimitWaitDuration.WithLabelValues(class).Observe(time.Since(started).Seconds())
	return err
}

// Classify applies the ordered substring rule table. Order matters:
// more-specific Metadata paths would otherwise be shadowed by the
// broader Search-class prefixes.
func Classify(path string) RequestClass {
	for _, p := range metadataPaths {
		if strings.Contains(path, p) {
			return ClassMetadata
		}
	}
	for _, p := range sessionPaths {
		if strings.Contains(path, p) {
			return ClassSession
		}
	}
	for _, p := range resetPaths {
		if strings.Contains(path, p) {
			return ClassReset
		}
	}
	for _, p := range searchPaths {
		if strings.Contains(path, p) {
			return ClassSearch
		}
	}
	return ClassSearch
}

var (
	metadataPaths = []string{
		"/getTerms", "/get_subject", "/get_campus",
		"/get_instructionalMethod", "/get_partOfTerm", "/get_attribute",
	}
	sessionPaths = []string{
		"/registration", "/selfServiceMenu", "/term/termSelection", "/term/search",
	}
	resetPaths = []string{"/resetDataForm"}
	searchPaths = []string{"/searchResults", "/classSearch"}
)
