package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise the handle against plain shell children; the
// supervisor-to-worker protocol is covered in pool_test.go.

func TestWaitForReadyTimesOut(t *testing.T) {
	// A child that never creates the socket.
	h, err := spawnHandle(t.TempDir(), []string{"/bin/sh", "-c", "sleep 30"}, time.Second, nil)
	require.NoError(t, err)
	defer h.Terminate()

	err = h.WaitForReady(200 * time.Millisecond)
	var startErr *StartupError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, h.ID, startErr.WorkerID)
}

func TestWaitForReadyDetectsEarlyExit(t *testing.T) {
	h, err := spawnHandle(t.TempDir(), []string{"/bin/sh", "-c", "exit 3"}, time.Second, nil)
	require.NoError(t, err)

	require.Eventually(t, h.Exited, 2*time.Second, 5*time.Millisecond)

	err = h.WaitForReady(5 * time.Second)
	var startErr *StartupError
	require.ErrorAs(t, err, &startErr)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	// A child that ignores SIGTERM; only SIGKILL can take it down.
	h, err := spawnHandle(t.TempDir(), []string{"/bin/sh", "-c", "trap '' TERM; sleep 30"}, 200*time.Millisecond, nil)
	require.NoError(t, err)

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.Terminate()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Terminate did not return after SIGKILL escalation")
	}
	assert.True(t, h.Exited())
}

func TestScheduleTerminationDefersUntilDrained(t *testing.T) {
	h, err := spawnHandle(t.TempDir(), []string{"/bin/sh", "-c", "sleep 30"}, 5*time.Second, nil)
	require.NoError(t, err)
	defer h.Terminate()

	h.BeginTask()
	require.True(t, h.ScheduleTermination())
	require.False(t, h.ScheduleTermination(), "second call must be a no-op")

	// With a task in flight no signal may be sent yet.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, h.Exited())

	// Draining the last task releases SIGTERM; sh exits on it.
	h.EndTask()
	require.Eventually(t, h.Exited, 5*time.Second, 10*time.Millisecond)
}

func TestSpawnFailsOnMissingBinary(t *testing.T) {
	_, err := spawnHandle(t.TempDir(), []string{"/nonexistent/worker-binary"}, time.Second, nil)
	var startErr *StartupError
	require.ErrorAs(t, err, &startErr)
}

func TestUsable(t *testing.T) {
	h, err := spawnHandle(t.TempDir(), []string{"/bin/sh", "-c", "sleep 30"}, 100*time.Millisecond, nil)
	require.NoError(t, err)
	defer h.Terminate()

	assert.True(t, h.Usable(3))

	h.IncTasks()
	h.IncTasks()
	assert.True(t, h.Usable(3))
	h.IncTasks()
	assert.False(t, h.Usable(3), "at the recycle threshold the handle is spent")
}
