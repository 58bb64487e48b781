package agent

import "strings"

// Pattern is one case-insensitive substring check mapped to a Category.
// Spec §9 notes that the precise error-marker set varies by backend and
// should be configurable per backend; each backend owns its own Patterns
// slice rather than sharing one global table.
type Pattern struct {
	Substr   string
	Category Category
}

// DefaultPatterns covers the minimum set spec §4.2 requires, used by both
// concrete backends unless a backend needs to extend it.
var DefaultPatterns = []Pattern{
	{"invalid api key", AuthError},
	{"unauthorized", AuthError},
	{"auth failed", AuthError},
	{"401", AuthError},
	{"rate limit", RateLimit},
	{"429", RateLimit},
	{"quota exceeded", RateLimit},
	{"context window", ContextLimit},
	{"token limit", ContextLimit},
	{"prompt too long", ContextLimit},
}

// Classify scans output against patterns (case-insensitively) and returns
// the first matching category, or UnknownError if exitErr is non-nil and
// nothing matched, or Success if exitErr is nil.
func Classify(output string, exitErr error, patterns []Pattern) Category {
	if exitErr == nil {
		return Success
	}
	lower := strings.ToLower(output)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p.Substr)) {
			return p.Category
		}
	}
	return UnknownError
}

// CompletionMarker is the literal agent-emitted token that means "the PRD is
// finished, exit the loop entirely" when found in a final stream payload.
const CompletionMarker = "<promise>COMPLETE</promise>"

// errorMarkers are substrings that, if present alongside CompletionMarker,
// mean the completion signal must be ignored (spec §4.5 step 7).
var errorMarkers = []string{
	`"is_error":true`,
	"error_during_execution",
	`"subtype":"error"`,
}

// HasCompletionMarker reports whether payload contains the completion token
// without any accompanying error marker.
func HasCompletionMarker(payload []byte) bool {
	s := string(payload)
	if !strings.Contains(s, CompletionMarker) {
		return false
	}
	lower := strings.ToLower(s)
	for _, m := range errorMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return false
		}
	}
	return true
}
