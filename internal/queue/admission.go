package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/typesetd/typesetd/internal/log"
	"github.com/typesetd/typesetd/internal/render"
)

// slot holds one pending request plus its cancellation flag. Slots stay in
// byID after dispatch so Cancel and Complete can find in-flight requests.
type slot struct {
	req        render.Request
	outcome    chan render.Outcome
	dispatched bool
	cancelled  bool // set before dispatch: remove; after dispatch: discard result
	done       bool
}

// Admission buffers render requests ahead of the worker pool. Submissions
// are FIFO, bounded, and individually cancellable until dispatched.
type Admission struct {
	maxDepth int
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	pending []*slot
	byID    map[string]*slot

	// wake has capacity 1; it is poked whenever pending may have become
	// non-empty so that blocked Next callers re-check.
	wake chan struct{}
}

// New creates an Admission queue holding at most maxDepth undispatched
// requests.
func New(maxDepth int, observer Observer) *Admission {
	if maxDepth <= 0 {
		maxDepth = 16
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Admission{
		maxDepth: maxDepth,
		observer: observer,
		logger:   log.WithComponent("queue"),
		byID:     make(map[string]*slot),
		wake:     make(chan struct{}, 1),
	}
}

// Submit enqueues a document for rendering. It fails fast with ErrQueueFull
// rather than queueing unbounded work.
func (a *Admission) Submit(source string, deadline time.Time) (*Ticket, error) {
	if deadline.IsZero() {
		return nil, fmt.Errorf("submit: deadline is required")
	}

	s := &slot{
		req: render.Request{
			ID:       uuid.NewString(),
			Source:   source,
			Deadline: deadline,
		},
		outcome: make(chan render.Outcome, 1),
	}

	a.mu.Lock()
	if len(a.pending) >= a.maxDepth {
		a.mu.Unlock()
		return nil, ErrQueueFull
	}
	a.pending = append(a.pending, s)
	a.byID[s.req.ID] = s
	depth := len(a.pending)
	a.mu.Unlock()

	a.observer.RequestQueued(s.req, depth)
	a.logger.Debug("request queued", "request_id", s.req.ID, "depth", depth)

	a.poke()
	return &Ticket{ID: s.req.ID, Outcome: s.outcome}, nil
}

// Cancel removes a not-yet-dispatched request; no Outcome is ever produced
// for it and FIFO order of the remaining requests is preserved. For an
// in-flight request cancellation is advisory only: the render completes (or
// times out) normally and its result is discarded. Returns true if the
// request was removed from the queue.
func (a *Admission) Cancel(id string) bool {
	a.mu.Lock()
	s, ok := a.byID[id]
	if !ok || s.done {
		a.mu.Unlock()
		return false
	}
	s.cancelled = true
	removed := false
	if !s.dispatched {
		for i, p := range a.pending {
			if p == s {
				a.pending = append(a.pending[:i], a.pending[i+1:]...)
				removed = true
				break
			}
		}
		delete(a.byID, id)
		s.done = true
	}
	a.mu.Unlock()

	if removed {
		a.observer.RequestCancelled(s.req)
		a.logger.Debug("queued request cancelled", "request_id", id)
	}
	return removed
}

// Next blocks until a non-cancelled request is available and marks it
// dispatched. It is safe to call from multiple worker slots; each request is
// handed out exactly once, in submission order.
func (a *Admission) Next(ctx context.Context) (render.Request, error) {
	for {
		a.mu.Lock()
		if len(a.pending) > 0 {
			s := a.pending[0]
			a.pending = a.pending[1:]
			s.dispatched = true
			more := len(a.pending) > 0
			a.mu.Unlock()

			if more {
				a.poke() // other slots may be waiting too
			}
			a.observer.RequestStarted(s.req)
			return s.req, nil
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return render.Request{}, ctx.Err()
		case <-a.wake:
		}
	}
}

// Complete delivers the terminal outcome for a dispatched request. Exactly
// one Complete per dispatched request; later calls for the same ID are
// rejected.
func (a *Admission) Complete(id string, outcome render.Outcome) error {
	a.mu.Lock()
	s, ok := a.byID[id]
	if !ok || s.done {
		a.mu.Unlock()
		return fmt.Errorf("complete %s: %w", id, ErrNotFound)
	}
	if !s.dispatched {
		a.mu.Unlock()
		return fmt.Errorf("complete %s: request was never dispatched", id)
	}
	s.done = true
	discarded := s.cancelled
	delete(a.byID, id)
	a.mu.Unlock()

	s.outcome <- outcome
	close(s.outcome)

	a.observer.RequestFinished(s.req, outcome, discarded)
	return nil
}

// Depth returns the number of undispatched requests.
func (a *Admission) Depth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Admission) poke() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}
