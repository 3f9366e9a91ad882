package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestClassifyOrderedRules(t *testing.T) {
	cases := []struct {
		path string
		want RequestClass
	}{
		{"/classSearch/getTerms", ClassMetadata},
		{"/classSearch/get_subject", ClassMetadata},
		{"/registration/registration", ClassSession},
		{"/term/search?mode=search", ClassSession},
		{"/classSearch/resetDataForm", ClassReset},
		{"/searchResults/searchResults", ClassSearch},
		{"/classSearch/somethingElse", ClassSearch},
		{"/unknown/path", ClassSearch},
	}
	for _, tc := range cases {
		if got := Classify(tc.path); got != tc.want {
			t.Errorf("Classify(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

// TestFairnessBound asserts that, for a single class with rate r and
// burst b, the observed acquire count in any window of length T >= 1/r
// is at most b + r*T.
func TestFairnessBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchRPM = 600 // 10/s, fast enough to test within a short window
	cfg.BurstAllowance = 2
	l := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	count := 0
	for time.Since(start) < 500*time.Millisecond {
		if err := l.Acquire(ctx, string(ClassSearch)); err != nil {
			break
		}
		count++
	}
	elapsed := time.Since(start).Seconds()
	r := 600.0 / 60.0
	bound := float64(cfg.BurstAllowance) + r*elapsed
	if float64(count) > bound {
		t.Errorf("acquired %d tokens in %.3fs, exceeds fairness bound %.1f", count, elapsed, bound)
	}
}

func TestAcquireIndependentAcrossClasses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SessionRPM = 1 // very slow
	cfg.SearchRPM = 6000
	l := New(cfg)

	ctx := context.Background()
	// Search should not be starved by Session's slow bucket.
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx, string(ClassSearch)); err != nil {
			t.Fatalf("search acquire %d failed: %v", i, err)
		}
	}
}

func TestAcquireUnknownClass(t *testing.T) {
	l := New(DefaultConfig())
	if err := l.Acquire(context.Background(), "bogus"); err == nil {
		t.Fatal("expected error for unknown class")
	}
}
