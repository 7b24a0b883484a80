package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Spawn after Shutdown.
	ErrClosed = errors.New("supervisor is shut down")

	// ErrDirectoryDenied is returned when the working directory violates the filesystem policy.
	ErrDirectoryDenied = errors.New("working directory access denied")

	// ErrNotReaped is returned when a process survived SIGKILL for longer than the reap deadline.
	ErrNotReaped = errors.New("process did not exit after kill")
)

// SpawnError wraps a failure to start a child process.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
