package classify

import "context"

// FallbackCategory is returned whenever classification cannot produce
// a candidate label: engine unreachable, timeout, empty or out-of-set
// response. Callers can rely on Classify being total.
const FallbackCategory = "Other"

// Engine is the external text capability the pipeline depends on.
// Implementations must never return a category outside the candidate
// set plus FallbackCategory.
type Engine interface {
	// Classify maps content to exactly one of candidates, or
	// FallbackCategory.
	Classify(ctx context.Context, content string, candidates []string) string

	// Summarize produces a short summary of text. Failures degrade to
	// a placeholder, never an error.
	Summarize(ctx context.Context, text string) string
}
