package supervisor

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/typesetd/typesetd/internal/protocol"
)

// State is the lifecycle position of a worker handle.
//
//	Starting -> Idle -> Busy -> (Idle | Crashed | TimedOutKilled)
//
// Crashed and TimedOutKilled both lead back to Starting via respawn; there
// is no terminal state in normal operation.
type State string

const (
	StateStarting       State = "starting"
	StateIdle           State = "idle"
	StateBusy           State = "busy"
	StateCrashed        State = "crashed"
	StateTimedOutKilled State = "timed_out_killed"
)

// frameResult is one decoded frame from the worker, or the read error that
// ended the stream.
type frameResult struct {
	msg *protocol.Message
	err error
}

// handle owns one live worker process. It is created in Starting, mutated
// only by its Supervisor, and discarded after the process dies.
type handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan frameResult
	waitCh chan error

	mu    sync.Mutex
	state State
}

// startWorker spawns the worker executable and begins decoding its output
// frames. stderr is inherited so worker logs land in the daemon's stream.
func startWorker(path string, args, env []string, stderr io.Writer) (*handle, error) {
	cmd := exec.Command(path, args...)
	cmd.Env = env
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %q: %w", path, err)
	}

	h := &handle{
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan frameResult, 8),
		waitCh: make(chan error, 1),
		state:  StateStarting,
	}

	go func() {
		for {
			msg, err := protocol.ReadMessage(stdout)
			if err != nil {
				h.frames <- frameResult{err: err}
				close(h.frames)
				return
			}
			h.frames <- frameResult{msg: msg}
		}
	}()
	go func() {
		h.waitCh <- cmd.Wait()
	}()

	return h, nil
}

func (h *handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *handle) currentState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handle) pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// send frames one request to the worker.
func (h *handle) send(msg *protocol.Message) error {
	return protocol.WriteMessage(h.stdin, msg)
}

// terminate stops the process, escalating from a graceful close+SIGTERM to
// SIGKILL after the grace period, and always reaps it.
func (h *handle) terminate(grace time.Duration) {
	_ = h.stdin.Close()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.waitCh:
	case <-timer.C:
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-h.waitCh
	}
	h.drain()
}

// reap waits for an already-dead process without signalling it.
func (h *handle) reap(grace time.Duration) {
	_ = h.stdin.Close()
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.waitCh:
	case <-timer.C:
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-h.waitCh
	}
	h.drain()
}

// drain consumes whatever frames a condemned worker managed to emit, so the
// reader goroutine is never left blocked on a full channel. Wait has closed
// the stdout pipe by now, so the reader hits a read error, closes frames,
// and drain returns.
func (h *handle) drain() {
	for range h.frames {
	}
}
