package banner

// Request classes accepted by the Acquirer the SessionPool and Client are
// wired to (internal/ratelimit.Limiter). Kept as plain strings rather than
// importing ratelimit.RequestClass to avoid a cycle; ratelimit defines the
// same literal values as its own typed constants.
const (
	ClassSession  = "session"
	ClassSearch   = "search"
	ClassMetadata = "metadata"
	ClassReset    = "reset"
)
