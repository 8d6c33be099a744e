package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/typesetd/typesetd/internal/render"
)

func deadline() time.Time {
	return time.Now().Add(30 * time.Second)
}

func TestSubmitAndCompleteDeliversOutcome(t *testing.T) {
	a := New(4, nil)

	ticket, err := a.Submit("= Hi", deadline())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := a.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if req.ID != ticket.ID || req.Source != "= Hi" {
		t.Fatalf("unexpected request: %+v", req)
	}

	want := render.Outcome{Kind: render.OutcomeRendered, PageCount: 1}
	if err := a.Complete(req.ID, want); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got := <-ticket.Outcome
	if got.Kind != render.OutcomeRendered || got.PageCount != 1 {
		t.Fatalf("outcome = %+v, want %+v", got, want)
	}
}

func TestFIFOOrder(t *testing.T) {
	a := New(8, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		ticket, err := a.Submit("doc", deadline())
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		ids = append(ids, ticket.ID)
	}

	ctx := context.Background()
	for i, want := range ids {
		req, err := a.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if req.ID != want {
			t.Fatalf("dispatch %d: got %s, want %s", i, req.ID, want)
		}
		if err := a.Complete(req.ID, render.Outcome{Kind: render.OutcomeInternal}); err != nil {
			t.Fatalf("Complete %d: %v", i, err)
		}
	}
}

func TestBackpressure(t *testing.T) {
	a := New(2, nil)

	for i := 0; i < 2; i++ {
		if _, err := a.Submit("doc", deadline()); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	_, err := a.Submit("doc", deadline())
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// Draining one slot frees capacity again.
	req, err := a.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := a.Complete(req.ID, render.Outcome{Kind: render.OutcomeInternal}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := a.Submit("doc", deadline()); err != nil {
		t.Fatalf("Submit after drain: %v", err)
	}
}

func TestCancelPendingRemovesWithoutOutcome(t *testing.T) {
	a := New(8, nil)

	first, _ := a.Submit("first", deadline())
	victim, _ := a.Submit("victim", deadline())
	last, _ := a.Submit("last", deadline())

	if !a.Cancel(victim.ID) {
		t.Fatalf("Cancel should remove a pending request")
	}
	if a.Depth() != 2 {
		t.Fatalf("depth = %d, want 2", a.Depth())
	}

	// FIFO order of the survivors is preserved.
	ctx := context.Background()
	for i, want := range []string{first.ID, last.ID} {
		req, err := a.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if req.ID != want {
			t.Fatalf("dispatch %d: got %s, want %s", i, req.ID, want)
		}
		_ = a.Complete(req.ID, render.Outcome{Kind: render.OutcomeInternal})
	}

	// The cancelled request never yields an outcome.
	select {
	case o, ok := <-victim.Outcome:
		if ok {
			t.Fatalf("cancelled request produced outcome %+v", o)
		}
	default:
	}
}

func TestCancelInFlightIsAdvisory(t *testing.T) {
	var obs recordingObserver
	a := New(8, &obs)

	ticket, _ := a.Submit("doc", deadline())
	req, err := a.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if a.Cancel(ticket.ID) {
		t.Fatalf("Cancel of an in-flight request must not report removal")
	}

	// The render still completes; the observer sees the result discarded.
	if err := a.Complete(req.ID, render.Outcome{Kind: render.OutcomeRendered}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !obs.lastDiscarded {
		t.Fatalf("expected outcome to be flagged discarded")
	}
}

func TestCompleteTwiceRejected(t *testing.T) {
	a := New(4, nil)
	_, _ = a.Submit("doc", deadline())
	req, _ := a.Next(context.Background())

	if err := a.Complete(req.ID, render.Outcome{Kind: render.OutcomeRendered}); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if err := a.Complete(req.ID, render.Outcome{Kind: render.OutcomeRendered}); err == nil {
		t.Fatalf("second Complete should fail")
	}
}

func TestNextBlocksUntilSubmit(t *testing.T) {
	a := New(4, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var got render.Request
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := a.Next(ctx)
		if err != nil {
			t.Errorf("Next: %v", err)
			return
		}
		got = req
	}()

	time.Sleep(20 * time.Millisecond)
	ticket, err := a.Submit("late", deadline())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	wg.Wait()

	if got.ID != ticket.ID {
		t.Fatalf("Next returned %q, want %q", got.ID, ticket.ID)
	}
}

func TestNextHonorsContext(t *testing.T) {
	a := New(4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := a.Next(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

type recordingObserver struct {
	NopObserver
	mu            sync.Mutex
	lastDiscarded bool
}

func (r *recordingObserver) RequestFinished(_ render.Request, _ render.Outcome, discarded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastDiscarded = discarded
}
