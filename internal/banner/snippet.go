package banner

import "strings"

// snippetAround builds a short windowed view of body around byteOffset for
// ParseFailureError diagnostics: a line of context plus a caret marker,
// never the full response body.
func snippetAround(body string, byteOffset int) string {
	if byteOffset < 0 || byteOffset > len(body) {
		byteOffset = 0
	}

	const window = 20
	start := byteOffset - window
	if start < 0 {
		start = 0
	}
	end := byteOffset + window
	if end > len(body) {
		end = len(body)
	}

	slice := body[start:end]
	slice = strings.ReplaceAll(slice, "\n", "\\n")

	caretPos := byteOffset - start
	if caretPos < 0 {
		caretPos = 0
	}
	if caretPos > len(slice) {
		caretPos = len(slice)
	}

	var b strings.Builder
	b.WriteString("   ...")
	b.WriteString(slice)
	b.WriteString("...\n   ")
	b.WriteString(strings.Repeat(" ", caretPos+3))
	b.WriteString("^")
	return b.String()
}
