package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/typesetd/typesetd/internal/protocol"
	"github.com/typesetd/typesetd/internal/render"
)

const helperEnv = "TYPESETD_HELPER_WORKER"

// TestHelperWorker is not a test. The other tests re-exec this binary with
// TYPESETD_HELPER_WORKER=1 to get a scriptable worker process: the request
// source selects the behavior.
func TestHelperWorker(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	for {
		msg, err := protocol.ReadMessage(os.Stdin)
		if errors.Is(err, io.EOF) {
			os.Exit(0)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "helper read: %v\n", err)
			os.Exit(1)
		}

		source := msg.Render.Source
		var reply *protocol.Message
		switch {
		case strings.Contains(source, "hang"):
			time.Sleep(time.Minute)
			continue
		case strings.Contains(source, "crash"):
			os.Exit(3)
		case strings.Contains(source, "garbage"):
			os.Stdout.WriteString("not a frame")
			os.Exit(1)
		case strings.Contains(source, "spam"):
			// Flood the channel with progress frames, then stall.
			for i := 0; i < 20; i++ {
				_ = protocol.WriteMessage(os.Stdout, &protocol.Message{
					Kind:     protocol.KindProgress,
					Progress: &protocol.Progress{Message: fmt.Sprintf("spam %d", i)},
				})
			}
			time.Sleep(time.Minute)
			continue
		case strings.Contains(source, "diag"):
			reply = &protocol.Message{
				Kind: protocol.KindDiagnosed,
				Diagnosed: &protocol.Diagnosed{Diagnostics: []render.Diagnostic{{
					Severity: render.SeverityError,
					Origin:   render.OriginCompile,
					Message:  "unknown variable: x",
					Span:     render.Span{Line: 1, Column: 1},
				}}},
			}
		case strings.Contains(source, "progress"):
			_ = protocol.WriteMessage(os.Stdout, &protocol.Message{
				Kind:     protocol.KindProgress,
				Progress: &protocol.Progress{Message: "downloading @preview/cetz:0.2.2"},
			})
			fallthrough
		default:
			reply = &protocol.Message{
				Kind: protocol.KindRendered,
				Rendered: &protocol.Rendered{
					Pages:     [][]byte{[]byte("png:" + source)},
					PageCount: 1,
				},
			}
		}
		if err := protocol.WriteMessage(os.Stdout, reply); err != nil {
			os.Exit(1)
		}
	}
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	sup := NewSupervisor(0, Config{
		WorkerPath:  os.Args[0],
		WorkerArgs:  []string{"-test.run=TestHelperWorker"},
		WorkerEnv:   append(os.Environ(), helperEnv+"=1"),
		GracePeriod: time.Second,
	})
	t.Cleanup(sup.Shutdown)
	return sup
}

func dispatch(t *testing.T, sup *Supervisor, id, source string, timeout time.Duration) render.Outcome {
	t.Helper()
	outcome, err := sup.Dispatch(context.Background(), render.Request{
		ID:       id,
		Source:   source,
		Deadline: time.Now().Add(timeout),
	})
	if err != nil {
		t.Fatalf("Dispatch(%s): %v", id, err)
	}
	return outcome
}

func TestDispatchRendered(t *testing.T) {
	sup := newTestSupervisor(t)

	outcome := dispatch(t, sup, "r1", "= Hello", 10*time.Second)
	if outcome.Kind != render.OutcomeRendered {
		t.Fatalf("kind = %s (%s), want rendered", outcome.Kind, outcome.Err)
	}
	if len(outcome.Pages) != 1 || !bytes.Equal(outcome.Pages[0], []byte("png:= Hello")) {
		t.Fatalf("pages = %q", outcome.Pages)
	}
}

func TestDispatchDiagnosed(t *testing.T) {
	sup := newTestSupervisor(t)

	outcome := dispatch(t, sup, "r1", "diag", 10*time.Second)
	if outcome.Kind != render.OutcomeDiagnosed {
		t.Fatalf("kind = %s, want diagnosed", outcome.Kind)
	}
	if len(outcome.Diagnostics) != 1 {
		t.Fatalf("diagnostics = %+v", outcome.Diagnostics)
	}
}

func TestDispatchTimeoutKillsAndRespawns(t *testing.T) {
	sup := newTestSupervisor(t)

	outcome := dispatch(t, sup, "slow", "hang forever", 300*time.Millisecond)
	if outcome.Kind != render.OutcomeTimedOut {
		t.Fatalf("kind = %s, want timed_out", outcome.Kind)
	}
	if !outcome.Kind.Retryable() {
		t.Fatalf("timed_out must be retryable")
	}

	// The slot must already have a fresh worker; the next request renders.
	next := dispatch(t, sup, "after", "= Fine", 10*time.Second)
	if next.Kind != render.OutcomeRendered {
		t.Fatalf("post-timeout kind = %s (%s), want rendered", next.Kind, next.Err)
	}
	if got := sup.Snapshot().Restarts; got != 1 {
		t.Fatalf("restarts = %d, want 1", got)
	}
}

func TestDispatchExpiredDeadlineSparesWorker(t *testing.T) {
	sup := newTestSupervisor(t)

	// Warm the slot so a worker is alive when the stale request arrives.
	if got := dispatch(t, sup, "warm", "= Doc", 10*time.Second); got.Kind != render.OutcomeRendered {
		t.Fatalf("warmup kind = %s", got.Kind)
	}

	outcome := dispatch(t, sup, "stale", "= Doc", -time.Second)
	if outcome.Kind != render.OutcomeTimedOut {
		t.Fatalf("kind = %s, want timed_out", outcome.Kind)
	}

	// The worker was never involved and must not have been killed.
	snap := sup.Snapshot()
	if snap.Restarts != 0 {
		t.Fatalf("restarts = %d, want 0", snap.Restarts)
	}
	if next := dispatch(t, sup, "after", "= Fine", 10*time.Second); next.Kind != render.OutcomeRendered {
		t.Fatalf("post-stale kind = %s (%s), want rendered", next.Kind, next.Err)
	}
}

func TestDispatchCrashRespawns(t *testing.T) {
	sup := newTestSupervisor(t)

	outcome := dispatch(t, sup, "boom", "crash now", 10*time.Second)
	if outcome.Kind != render.OutcomeCrashed {
		t.Fatalf("kind = %s, want worker_crashed", outcome.Kind)
	}

	next := dispatch(t, sup, "after", "= Fine", 10*time.Second)
	if next.Kind != render.OutcomeRendered {
		t.Fatalf("post-crash kind = %s (%s), want rendered", next.Kind, next.Err)
	}
}

func TestDispatchGarbageStreamIsCrash(t *testing.T) {
	sup := newTestSupervisor(t)

	outcome := dispatch(t, sup, "bad", "garbage output", 10*time.Second)
	if outcome.Kind != render.OutcomeCrashed {
		t.Fatalf("kind = %s, want worker_crashed", outcome.Kind)
	}
}

func TestDispatchDeterministic(t *testing.T) {
	sup := newTestSupervisor(t)

	first := dispatch(t, sup, "a", "= Same Doc", 10*time.Second)
	second := dispatch(t, sup, "b", "= Same Doc", 10*time.Second)
	if first.Kind != render.OutcomeRendered || second.Kind != render.OutcomeRendered {
		t.Fatalf("kinds = %s, %s", first.Kind, second.Kind)
	}
	if !bytes.Equal(first.Pages[0], second.Pages[0]) {
		t.Fatalf("same source produced different bytes: %q vs %q", first.Pages[0], second.Pages[0])
	}
}

func TestDispatchForwardsProgress(t *testing.T) {
	sup := newTestSupervisor(t)

	var messages []string
	sup.OnProgress = func(_ render.Request, msg string) {
		messages = append(messages, msg)
	}

	outcome := dispatch(t, sup, "p", "progress doc", 10*time.Second)
	if outcome.Kind != render.OutcomeRendered {
		t.Fatalf("kind = %s, want rendered", outcome.Kind)
	}
	if len(messages) != 1 || !strings.Contains(messages[0], "downloading") {
		t.Fatalf("progress = %q", messages)
	}
}

func TestTerminateDrainsFrameBacklog(t *testing.T) {
	h, err := startWorker(os.Args[0], []string{"-test.run=TestHelperWorker"},
		append(os.Environ(), helperEnv+"=1"), os.Stderr)
	if err != nil {
		t.Fatalf("startWorker: %v", err)
	}

	err = h.send(&protocol.Message{
		Kind:   protocol.KindRender,
		Render: &protocol.Render{RequestID: "noisy", Source: "spam"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Wait until the reader goroutine is wedged on a full channel.
	deadline := time.Now().Add(5 * time.Second)
	for len(h.frames) < cap(h.frames) {
		if time.Now().After(deadline) {
			t.Fatalf("frames backlog = %d, want %d", len(h.frames), cap(h.frames))
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.terminate(time.Second)

	// terminate must leave the channel drained and closed, or the reader
	// goroutine leaks blocked on its send.
	select {
	case fr, ok := <-h.frames:
		if ok {
			t.Fatalf("frame left after terminate: %+v", fr)
		}
	default:
		t.Fatal("frames channel still open after terminate")
	}
}

func TestDispatchSpawnExhausted(t *testing.T) {
	sup := NewSupervisor(0, Config{
		WorkerPath:       "/nonexistent/typesetd-worker",
		SpawnBackoff:     time.Millisecond,
		SpawnBackoffMax:  5 * time.Millisecond,
		MaxSpawnAttempts: 2,
	})

	outcome, err := sup.Dispatch(context.Background(), render.Request{
		ID:       "r1",
		Source:   "= Doc",
		Deadline: time.Now().Add(time.Second),
	})
	if !errors.Is(err, ErrSpawnExhausted) {
		t.Fatalf("err = %v, want ErrSpawnExhausted", err)
	}
	if outcome.Kind != render.OutcomeInternal {
		t.Fatalf("kind = %s, want internal", outcome.Kind)
	}
}

// fakeSource hands out a fixed request list and records completions.
type fakeSource struct {
	reqs     chan render.Request
	outcomes chan render.Outcome
}

func (f *fakeSource) Next(ctx context.Context) (render.Request, error) {
	select {
	case req := <-f.reqs:
		return req, nil
	case <-ctx.Done():
		return render.Request{}, ctx.Err()
	}
}

func (f *fakeSource) Complete(_ string, outcome render.Outcome) error {
	f.outcomes <- outcome
	return nil
}

func TestSlotServicePumpsQueue(t *testing.T) {
	sup := newTestSupervisor(t)
	source := &fakeSource{
		reqs:     make(chan render.Request, 1),
		outcomes: make(chan render.Outcome, 1),
	}
	source.reqs <- render.Request{ID: "r1", Source: "= Doc", Deadline: time.Now().Add(10 * time.Second)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSlotService(sup, source).Serve(ctx) }()

	select {
	case outcome := <-source.outcomes:
		if outcome.Kind != render.OutcomeRendered {
			t.Fatalf("kind = %s (%s), want rendered", outcome.Kind, outcome.Err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no outcome delivered")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}
