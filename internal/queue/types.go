package queue

import (
	"errors"

	"github.com/typesetd/typesetd/internal/render"
)

// ErrQueueFull is returned by Submit when the configured depth bound is
// exceeded. Callers should surface this as backpressure, not retry blindly.
var ErrQueueFull = errors.New("render queue is full")

// ErrNotFound is returned for operations on unknown request IDs.
var ErrNotFound = errors.New("render request not found")

// Ticket is the caller's handle on a submitted request. Outcome yields the
// terminal result exactly once; it never yields for a request cancelled
// before dispatch.
type Ticket struct {
	ID      string
	Outcome <-chan render.Outcome
}

// Observer receives lifecycle notifications. All methods are called
// synchronously from queue operations and must not block.
type Observer interface {
	RequestQueued(req render.Request, depth int)
	RequestStarted(req render.Request)
	RequestFinished(req render.Request, outcome render.Outcome, discarded bool)
	RequestCancelled(req render.Request)
}

// NopObserver satisfies Observer with no-ops.
type NopObserver struct{}

func (NopObserver) RequestQueued(render.Request, int)                    {}
func (NopObserver) RequestStarted(render.Request)                        {}
func (NopObserver) RequestFinished(render.Request, render.Outcome, bool) {}
func (NopObserver) RequestCancelled(render.Request)                      {}
