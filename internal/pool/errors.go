package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/sandpool/sandpool/internal/wire"
)

// ErrNotRunning is returned by Compute when the pool is not in the running
// state. Surfaces as HTTP 503.
var ErrNotRunning = errors.New("pool is not running")

// StartupError reports a worker that failed to spawn or become ready.
type StartupError struct {
	WorkerID string
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("worker %s startup failed: %v", e.WorkerID, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// CrashError reports a worker that exited or dropped its socket mid-task,
// after the retry budget was exhausted.
type CrashError struct {
	WorkerID string
	Attempts int
	Err      error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("worker %s crashed during task (%d attempts): %v", e.WorkerID, e.Attempts, e.Err)
}

func (e *CrashError) Unwrap() error { return e.Err }

// ComputeTimeoutError reports a task that exceeded its own deadline. The
// serving worker is tainted.
type ComputeTimeoutError struct {
	WorkerID string
	Timeout  time.Duration
}

func (e *ComputeTimeoutError) Error() string {
	return fmt.Sprintf("compute on worker %s timed out after %s", e.WorkerID, e.Timeout)
}

// QueueTimeoutError reports that no worker became available within the
// acquisition deadline.
type QueueTimeoutError struct {
	Wait time.Duration
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("no worker available after %s", e.Wait)
}

// Describe maps an error from Compute to the (name, message, status) triple
// surfaced on the wire. User compute errors pass through unchanged.
func Describe(err error) (name, message string, status int) {
	var (
		userErr    *wire.ComputeError
		timeoutErr *ComputeTimeoutError
		queueErr   *QueueTimeoutError
		startErr   *StartupError
		crashErr   *CrashError
	)
	switch {
	case errors.As(err, &userErr):
		return userErr.Name, userErr.Message, userErr.Status
	case errors.As(err, &timeoutErr):
		return "ComputeTimeoutError", err.Error(), 408
	case errors.As(err, &queueErr):
		return "QueueTimeoutError", err.Error(), 429
	case errors.As(err, &startErr):
		return "WorkerStartupError", err.Error(), 500
	case errors.As(err, &crashErr):
		return "WorkerCrashError", err.Error(), 500
	case errors.Is(err, ErrNotRunning):
		return "InvalidStateError", err.Error(), 503
	default:
		return "Error", err.Error(), 500
	}
}
