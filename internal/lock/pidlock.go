// Package lock enforces the one-daemon-per-host rule. The daemon owns the
// render journal and package cache on local disk; two instances writing them
// concurrently would corrupt both, so startup takes an exclusive flock(2) on
// a PID file and holds it for the life of the process.
package lock

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// PIDLock is the daemon's exclusive instance lock. The flock is tied to the
// open descriptor, so the lock lives exactly as long as the handle and the
// kernel releases it if the daemon dies without calling Release.
type PIDLock struct {
	path string
	f    *os.File
}

// AcquirePIDLock takes the exclusive lock at path and records the daemon's
// PID in it so operators can see who holds it. Failure to lock means another
// typesetd instance is already running against this journal and cache.
func AcquirePIDLock(path string) (*PIDLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s is held by another typesetd instance: %w", path, err)
	}

	if err := recordPID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	return &PIDLock{path: path, f: f}, nil
}

// recordPID overwrites the file with the current PID. The content is
// informational only; the flock, not the PID, is what excludes a second
// daemon.
func recordPID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("record pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (l *PIDLock) Path() string { return l.path }

// Release drops the lock. Safe on nil and after a prior Release.
func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
