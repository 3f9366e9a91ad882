package banner

import (
	"bytes"
	"encoding/json"
	"io"
	"net/url"
	"strings"
)

func httpFormBody(form url.Values) *bytes.Reader {
	return bytes.NewReader([]byte(form.Encode()))
}

// decodeJSON decodes body into out, reading the full body first so a
// failure can be reported with a windowed snippet rather than swallowed by
// a streaming decoder's generic error.
func decodeJSON(r io.Reader, out any) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if se, ok := err.(*json.SyntaxError); ok {
			return &jsonErrWithOffset{err: err, offset: int(se.Offset), body: string(raw)}
		}
		return err
	}
	return nil
}

// jsonErrWithOffset lets callers that want a snippet compute one without
// re-parsing; ParseFailureError construction reaches into it via Offset().
type jsonErrWithOffset struct {
	err    error
	offset int
	body   string
}

func (e *jsonErrWithOffset) Error() string { return e.err.Error() }
func (e *jsonErrWithOffset) Unwrap() error { return e.err }

// Snippet renders the windowed diagnostic for this decode failure.
func (e *jsonErrWithOffset) Snippet() string {
	return snippetAround(e.body, e.offset)
}

// parseFailureFrom builds a ParseFailureError with a snippet, whether or
// not the underlying error carries a byte offset.
func parseFailureFrom(body string, err error) *ParseFailureError {
	if we, ok := err.(*jsonErrWithOffset); ok {
		return &ParseFailureError{Cause: we.err, Snippet: we.Snippet()}
	}
	idx := strings.IndexAny(body, "\x00")
	if idx < 0 {
		idx = 0
	}
	return &ParseFailureError{Cause: err, Snippet: snippetAround(body, idx)}
}
