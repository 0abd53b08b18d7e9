package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no definition with the given ID is registered.
	ErrNotFound = errors.New("server not found")

	// ErrDisabled means the definition is marked disabled and cannot be
	// started.
	ErrDisabled = errors.New("server is disabled")

	// ErrShuttingDown means the supervisor is closing and accepts no new
	// work.
	ErrShuttingDown = errors.New("supervisor is shutting down")

	// ErrNotRunning means the operation needs a live instance and there is
	// none.
	ErrNotRunning = errors.New("server is not running")
)

// PreflightError reports a definition that cannot be launched as configured.
// It is returned synchronously and never retried.
type PreflightError struct {
	Reasons []string
}

func (e *PreflightError) Error() string {
	return "preflight failed: " + fmt.Sprint(e.Reasons)
}

// SpawnError reports a process that could not be created. The instance stays
// Stopped.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return "spawn failed: " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error { return e.Err }
