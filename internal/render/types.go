package render

import (
	"time"
)

// Severity classifies a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Origin says which stage produced a diagnostic. Package resolution failures
// must stay distinguishable from compile diagnostics (registry down is not
// the user's fault).
type Origin string

const (
	OriginCompile Origin = "compile"
	OriginPackage Origin = "package"
)

// Span is a half-open byte range [Start, End) into the submitted source,
// plus the 1-based line/column the compiler reported.
type Span struct {
	Start  int `json:"start"`
	End    int `json:"end"`
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Diagnostic is a structured compile-time error or warning.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Origin   Origin   `json:"origin"`
	Message  string   `json:"message"`
	Span     Span     `json:"span"`
}

// Request is one unit of render work. Immutable once enqueued.
type Request struct {
	ID       string
	Source   string
	Deadline time.Time
}

// OutcomeKind tags the terminal result of a Request.
type OutcomeKind string

const (
	OutcomeRendered  OutcomeKind = "rendered"
	OutcomeDiagnosed OutcomeKind = "diagnosed"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	OutcomeCrashed   OutcomeKind = "worker_crashed"
	OutcomeInternal  OutcomeKind = "internal"
)

// Retryable reports whether a caller may reasonably resubmit the same
// document and expect a different result.
func (k OutcomeKind) Retryable() bool {
	return k == OutcomeTimedOut || k == OutcomeCrashed
}

// Outcome is the terminal result of a Request. Exactly one Outcome is
// produced per non-cancelled Request.
type Outcome struct {
	Kind OutcomeKind

	// Rendered
	Pages     [][]byte
	PageCount int
	Warnings  []Diagnostic

	// Diagnosed
	Diagnostics []Diagnostic

	// TimedOut / Crashed / Internal
	Err string

	Duration time.Duration
}

// SpanFromLineCol converts a 1-based line/column position into a byte span
// within source. Out-of-range positions are clamped to the source bounds so
// spans are always valid slices of the input.
func SpanFromLineCol(source string, line, col int) Span {
	if line < 1 {
		line = 1
	}
	if col < 1 {
		col = 1
	}

	offset := 0
	curLine := 1
	for offset < len(source) && curLine < line {
		if source[offset] == '\n' {
			curLine++
		}
		offset++
	}

	start := offset + col - 1
	if start > len(source) {
		start = len(source)
	}
	end := start
	if end < len(source) && source[end] != '\n' {
		end++
	}

	return Span{Start: start, End: end, Line: line, Column: col}
}
