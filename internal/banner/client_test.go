package banner

import (
	"errors"
	"strings"
	"testing"
)

func ptr(s string) *string { return &s }

func TestIsRecoverableClassification(t *testing.T) {
	for _, err := range []error{
		&InvalidSessionError{Cause: "rejected"},
		&ThrottledError{StatusCode: 429},
		&TransientUpstreamError{Cause: errors.New("connect refused")},
	} {
		if !IsRecoverable(err) {
			t.Errorf("IsRecoverable(%T) = false, want true", err)
		}
	}

	// A body that didn't parse won't parse any better next time.
	if IsRecoverable(&ParseFailureError{Cause: errors.New("bad json")}) {
		t.Error("parse failure must be terminal for the job")
	}
	if IsRecoverable(errors.New("plain")) {
		t.Error("untyped error must not be recoverable")
	}
}

func TestSessionDied(t *testing.T) {
	cases := []struct {
		name string
		resp searchResponse
		want bool
	}{
		{"missing pathMode", searchResponse{Success: true, PathMode: nil}, true},
		{"registration with no data", searchResponse{Success: true, PathMode: ptr("registration"), Data: nil}, true},
		{"success false", searchResponse{Success: false, PathMode: ptr("search")}, true},
		{"healthy response", searchResponse{Success: true, PathMode: ptr("search"), Data: []courseWire{{}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sessionDied(&tc.resp); got != tc.want {
				t.Errorf("sessionDied() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSnippetAroundIncludesCaret(t *testing.T) {
	body := `{"success":true, "pathMode" "search"}` // missing colon
	snippet := snippetAround(body, 28)
	if !strings.Contains(snippet, "^") {
		t.Errorf("snippet missing caret marker: %q", snippet)
	}
	if len(snippet) > len(body)+40 {
		t.Errorf("snippet should be windowed, not the full body: %q", snippet)
	}
}

func TestSnippetAroundClampsOffset(t *testing.T) {
	body := "short"
	snippet := snippetAround(body, 9999)
	if snippet == "" {
		t.Fatal("expected non-empty snippet even with out-of-range offset")
	}
}

func TestSearchQueryParams(t *testing.T) {
	q := NewSearchQuery().Subject("CS").CourseNumberRange(100, 299).OpenOnly(true).Days([]string{"monday", "wednesday"})
	params := q.Params("202610")

	if params.Get("txt_subject") != "CS" {
		t.Errorf("txt_subject = %q, want CS", params.Get("txt_subject"))
	}
	if params.Get("txt_courseNumberLow") != "100" || params.Get("txt_courseNumberHigh") != "299" {
		t.Errorf("course number range not set correctly: %v", params)
	}
	if params.Get("chk_open_only") != "true" {
		t.Errorf("chk_open_only = %q, want true", params.Get("chk_open_only"))
	}
	if params.Get("txt_days") != "monday,wednesday" {
		t.Errorf("txt_days = %q", params.Get("txt_days"))
	}
	if params.Get("txt_term") != "202610" {
		t.Errorf("txt_term = %q, want 202610", params.Get("txt_term"))
	}
}

func TestSearchQueryOmitsUnsetFields(t *testing.T) {
	q := NewSearchQuery()
	params := q.Params("202610")
	if params.Get("txt_subject") != "" {
		t.Errorf("expected no subject filter, got %q", params.Get("txt_subject"))
	}
	if params.Get("chk_open_only") != "" {
		t.Errorf("expected open_only unset by default")
	}
}

func TestGenerateSessionIDShape(t *testing.T) {
	id := generateSessionID()
	if len(id) < 5+10 {
		t.Fatalf("session id too short: %q", id)
	}
	for _, r := range id[:5] {
		if !strings.ContainsRune(alphanumCharset, r) {
			t.Errorf("session id prefix contains non-alphanumeric rune: %q", id)
		}
	}
}
