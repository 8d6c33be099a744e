// Package supervisor keeps worker subprocesses alive and routes render
// requests to them. Each Supervisor owns exactly one worker slot: one child
// process, one in-flight request, and the authority to kill and respawn the
// child when it misbehaves.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/typesetd/typesetd/internal/log"
	"github.com/typesetd/typesetd/internal/protocol"
	"github.com/typesetd/typesetd/internal/render"
)

// ErrSpawnExhausted means the worker executable could not be started after
// the configured number of attempts. This is fatal for the slot; the caller
// must surface it rather than retry.
var ErrSpawnExhausted = errors.New("worker spawn attempts exhausted")

// Config controls one worker slot.
type Config struct {
	// WorkerPath is the worker executable; WorkerArgs are passed verbatim.
	// WorkerEnv replaces the child's environment; nil inherits the daemon's.
	WorkerPath string
	WorkerArgs []string
	WorkerEnv  []string

	// GracePeriod is how long a signalled worker gets to exit before SIGKILL.
	GracePeriod time.Duration

	// SpawnBackoff is the initial delay between failed spawn attempts; it
	// grows exponentially up to SpawnBackoffMax.
	SpawnBackoff    time.Duration
	SpawnBackoffMax time.Duration

	// MaxSpawnAttempts bounds consecutive spawn failures before the slot
	// gives up with ErrSpawnExhausted. Zero means 5.
	MaxSpawnAttempts int

	// Stderr receives the worker's stderr stream. Defaults to os.Stderr.
	Stderr io.Writer
}

func (c *Config) fill() {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.SpawnBackoff <= 0 {
		c.SpawnBackoff = 200 * time.Millisecond
	}
	if c.SpawnBackoffMax <= 0 {
		c.SpawnBackoffMax = 5 * time.Second
	}
	if c.MaxSpawnAttempts <= 0 {
		c.MaxSpawnAttempts = 5
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
}

// Status is a point-in-time snapshot of a slot, for the status endpoint.
type Status struct {
	Slot     int    `json:"slot"`
	State    State  `json:"state"`
	PID      int    `json:"pid,omitempty"`
	Restarts int    `json:"restarts"`
	Requests uint64 `json:"requests"`
}

// Supervisor manages one worker slot. Dispatch is not safe for concurrent
// use; each slot is driven by exactly one goroutine (its SlotService).
// Snapshot and OnProgress are safe from other goroutines.
type Supervisor struct {
	slot   int
	cfg    Config
	logger *slog.Logger

	// OnProgress, when set, receives non-terminal progress messages emitted
	// by the worker during a dispatch. Set before the first Dispatch.
	OnProgress func(req render.Request, message string)

	// OnRestart, when set, is called after a worker is killed, with the
	// cause ("crash" or "timeout").
	OnRestart func(slot int, cause string)

	// mu guards the fields below against concurrent Snapshot calls from
	// the status endpoint; Dispatch itself is single-goroutine.
	mu       sync.Mutex
	handle   *handle
	restarts int
	requests uint64
}

// NewSupervisor creates an unstarted slot. The first Dispatch spawns the
// worker lazily.
func NewSupervisor(slot int, cfg Config) *Supervisor {
	cfg.fill()
	return &Supervisor{
		slot:   slot,
		cfg:    cfg,
		logger: log.WithWorker(slot),
	}
}

// Snapshot reports the slot's current state. Safe to call concurrently with
// Dispatch.
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Slot: s.slot, State: StateStarting, Restarts: s.restarts, Requests: s.requests}
	if s.handle != nil {
		st.State = s.handle.currentState()
		st.PID = s.handle.pid()
	}
	return st
}

func (s *Supervisor) setHandle(h *handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

func (s *Supervisor) noteRestart() {
	s.mu.Lock()
	s.handle = nil
	s.restarts++
	s.mu.Unlock()
}

// ensureAlive spawns the worker if the slot has no live process, retrying
// with exponential backoff. A live handle is left in Idle state.
func (s *Supervisor) ensureAlive(ctx context.Context) error {
	if s.handle != nil {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.SpawnBackoff
	bo.MaxInterval = s.cfg.SpawnBackoffMax
	bo.MaxElapsedTime = 0

	var lastErr error
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.cfg.MaxSpawnAttempts-1)), ctx)
	err := backoff.Retry(func() error {
		h, err := startWorker(s.cfg.WorkerPath, s.cfg.WorkerArgs, s.cfg.WorkerEnv, s.cfg.Stderr)
		if err != nil {
			lastErr = err
			s.logger.Warn("worker spawn failed", "error", err)
			return err
		}
		h.setState(StateIdle)
		s.setHandle(h)
		s.logger.Info("worker started", "pid", h.pid())
		return nil
	}, policy)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrSpawnExhausted, lastErr)
	}
	return nil
}

// Dispatch sends one request to the slot's worker and waits for its terminal
// reply. Every request produces an Outcome; the error return is non-nil only
// for fatal slot conditions (spawn exhaustion, shutdown) that the caller must
// escalate.
//
// A worker that misses the request deadline is killed (SIGTERM, grace,
// SIGKILL) and a fresh one spawned before TimedOut is returned, so the next
// request never pays for this one's sins.
func (s *Supervisor) Dispatch(ctx context.Context, req render.Request) (render.Outcome, error) {
	start := time.Now()
	logger := s.logger.With("request_id", req.ID)

	// A deadline that expired while the request sat in the queue is already a
	// timeout; sending it anyway would end with a healthy worker being killed
	// for nothing.
	if !req.Deadline.IsZero() && time.Until(req.Deadline) <= 0 {
		logger.Warn("deadline expired before dispatch")
		return render.Outcome{
			Kind:     render.OutcomeTimedOut,
			Err:      "render exceeded its deadline",
			Duration: time.Since(start),
		}, nil
	}

	if err := s.ensureAlive(ctx); err != nil {
		return render.Outcome{
			Kind:     render.OutcomeInternal,
			Err:      err.Error(),
			Duration: time.Since(start),
		}, err
	}

	h := s.handle
	h.setState(StateBusy)
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()

	err := h.send(&protocol.Message{
		Kind: protocol.KindRender,
		Render: &protocol.Render{
			RequestID: req.ID,
			Source:    req.Source,
			Deadline:  req.Deadline,
		},
	})
	if err != nil {
		// Broken pipe means the child died between requests.
		logger.Warn("request write failed, treating worker as crashed", "error", err)
		return s.crashed(ctx, start, logger), nil
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(time.Minute)
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case fr, ok := <-h.frames:
			if !ok || fr.err != nil {
				if fr.err != nil && !errors.Is(fr.err, io.EOF) {
					logger.Warn("worker stream error", "error", fr.err)
				}
				return s.crashed(ctx, start, logger), nil
			}
			if fr.msg.Kind == protocol.KindProgress {
				if s.OnProgress != nil {
					s.OnProgress(req, fr.msg.Progress.Message)
				}
				continue
			}
			if !fr.msg.Terminal() {
				logger.Warn("unexpected frame from worker", "kind", fr.msg.Kind)
				continue
			}
			h.setState(StateIdle)
			return outcomeFromMessage(fr.msg, time.Since(start)), nil

		case <-timer.C:
			logger.Warn("render deadline exceeded, killing worker", "pid", h.pid())
			return s.timedOut(ctx, start, logger), nil

		case <-ctx.Done():
			// Daemon shutdown mid-render. Kill the child and report the
			// interruption; the fatal error stops the slot loop.
			h.terminate(s.cfg.GracePeriod)
			s.setHandle(nil)
			return render.Outcome{
				Kind:     render.OutcomeInternal,
				Err:      "render interrupted by shutdown",
				Duration: time.Since(start),
			}, ctx.Err()
		}
	}
}

// crashed reaps the dead child, respawns eagerly, and classifies the request.
func (s *Supervisor) crashed(ctx context.Context, start time.Time, logger *slog.Logger) render.Outcome {
	h := s.handle
	h.setState(StateCrashed)
	h.reap(s.cfg.GracePeriod)
	s.noteRestart()
	logger.Error("worker crashed mid-render")
	if s.OnRestart != nil {
		s.OnRestart(s.slot, "crash")
	}

	s.respawn(ctx)
	return render.Outcome{
		Kind:     render.OutcomeCrashed,
		Err:      "worker process exited unexpectedly",
		Duration: time.Since(start),
	}
}

// timedOut kills the overrunning child with escalation and respawns.
func (s *Supervisor) timedOut(ctx context.Context, start time.Time, logger *slog.Logger) render.Outcome {
	h := s.handle
	h.setState(StateTimedOutKilled)
	h.terminate(s.cfg.GracePeriod)
	s.noteRestart()
	if s.OnRestart != nil {
		s.OnRestart(s.slot, "timeout")
	}

	s.respawn(ctx)
	return render.Outcome{
		Kind:     render.OutcomeTimedOut,
		Err:      "render exceeded its deadline",
		Duration: time.Since(start),
	}
}

// respawn is best-effort: a failure here is logged and retried by the next
// Dispatch's ensureAlive.
func (s *Supervisor) respawn(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.ensureAlive(ctx); err != nil {
		s.logger.Error("respawn failed, will retry on next request", "error", err)
	}
}

// Shutdown stops the slot's worker gracefully.
func (s *Supervisor) Shutdown() {
	h := s.handle
	if h == nil {
		return
	}
	h.terminate(s.cfg.GracePeriod)
	s.setHandle(nil)
	s.logger.Info("worker stopped")
}

func outcomeFromMessage(msg *protocol.Message, d time.Duration) render.Outcome {
	switch msg.Kind {
	case protocol.KindRendered:
		return render.Outcome{
			Kind:      render.OutcomeRendered,
			Pages:     msg.Rendered.Pages,
			PageCount: msg.Rendered.PageCount,
			Warnings:  msg.Rendered.Warnings,
			Duration:  d,
		}
	case protocol.KindDiagnosed:
		return render.Outcome{
			Kind:        render.OutcomeDiagnosed,
			Diagnostics: msg.Diagnosed.Diagnostics,
			Duration:    d,
		}
	case protocol.KindFailed:
		return render.Outcome{
			Kind:     render.OutcomeInternal,
			Err:      msg.Failed.Error,
			Duration: d,
		}
	default:
		return render.Outcome{
			Kind:     render.OutcomeInternal,
			Err:      fmt.Sprintf("unexpected terminal frame %s", msg.Kind),
			Duration: d,
		}
	}
}
