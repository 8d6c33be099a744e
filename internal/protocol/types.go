package protocol

import (
	"time"

	"github.com/typesetd/typesetd/internal/render"
)

// Kind discriminates message frames on the supervisor<->worker channel.
type Kind string

const (
	// KindRender is the only supervisor->worker message: one document to
	// compile. The worker owes exactly one terminal reply per render frame.
	KindRender Kind = "render"

	// Terminal worker->supervisor replies.
	KindRendered  Kind = "rendered"
	KindDiagnosed Kind = "diagnosed"
	KindFailed    Kind = "failed"

	// KindProgress is a non-terminal worker->supervisor message that may be
	// sent at any time before the terminal reply (e.g. while a package
	// downloads). It is informational only.
	KindProgress Kind = "progress"
)

// Message is the frame envelope. Exactly one payload field matching Kind is
// set.
type Message struct {
	Kind      Kind       `json:"kind"`
	Render    *Render    `json:"render,omitempty"`
	Rendered  *Rendered  `json:"rendered,omitempty"`
	Diagnosed *Diagnosed `json:"diagnosed,omitempty"`
	Failed    *Failed    `json:"failed,omitempty"`
	Progress  *Progress  `json:"progress,omitempty"`
}

// Terminal reports whether the message finishes the in-flight request.
func (m *Message) Terminal() bool {
	switch m.Kind {
	case KindRendered, KindDiagnosed, KindFailed:
		return true
	}
	return false
}

// Render carries one document to compile. RequestID is for log correlation
// only; the channel carries at most one request at a time.
type Render struct {
	RequestID string    `json:"request_id"`
	Source    string    `json:"source"`
	Deadline  time.Time `json:"deadline"`
}

// Rendered is the success reply: one PNG per page up to the worker's page
// cap, plus the total page count of the document.
type Rendered struct {
	Pages     [][]byte            `json:"pages"`
	PageCount int                 `json:"page_count"`
	Warnings  []render.Diagnostic `json:"warnings,omitempty"`
}

// Diagnosed is the reply for documents that failed to compile, or whose
// package dependencies could not be resolved.
type Diagnosed struct {
	Diagnostics []render.Diagnostic `json:"diagnostics"`
}

// Failed reports a worker-internal failure (e.g. a recovered panic inside
// the compiler). Failures that kill the process never produce this message;
// the supervisor observes those as channel closure.
type Failed struct {
	Error string `json:"error"`
}

// Progress is a human-readable status line, e.g. "downloading @preview/cetz:0.2.2".
type Progress struct {
	Message string `json:"message"`
}
