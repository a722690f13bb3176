// Package pool implements the worker-pool supervisor: a warm FIFO ring of
// pre-spawned worker subprocesses serving compute tasks over Unix domain
// sockets, with recycling, crash replacement and clean shutdown.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/sandpool/sandpool/internal/wire"
	"github.com/sandpool/sandpool/pkg/types"
)

// Config is the immutable pool configuration. WorkerCommand is the worker
// binary plus fixed arguments; the socket path is appended at spawn.
type Config struct {
	WorkDir          string
	PoolSize         int
	KillTimeout      time.Duration
	QueueWaitTimeout time.Duration
	RecycleThreshold int64
	ReadinessTimeout time.Duration
	Retries          int
	WorkerCommand    []string
}

// Hooks are optional lifecycle callbacks. All are invoked from pool
// goroutines and must not block.
type Hooks struct {
	OnSpawn        func(workerID string)
	OnRecycle      func(workerID string)
	OnSpawnError   func(err error)
	OnWorkerExit   func(workerID string, err error)
	OnTaskFinished func(workerID string, d time.Duration, err error)
}

// Task is one compute request. Params is consumed once.
type Task struct {
	ModuleURL string
	Params    json.RawMessage
	Timeout   time.Duration
}

const defaultTaskTimeout = 30 * time.Second

// Pool lifecycle states.
type state int

const (
	stateStopped state = iota
	stateStarting
	stateRunning
	stateStopping
)

// Pool owns the set of warm worker handles and serves Compute callers.
// Callers never see handles.
type Pool struct {
	cfg   Config
	hooks Hooks

	mu           sync.Mutex
	state        state
	live         map[string]*Handle // spawned, not scheduled for termination
	terminating  map[string]*Handle // awaited by Stop
	repopulating bool
	stopCh       chan struct{} // closed when Stop begins; wakes queued waiters

	idle chan *Handle // FIFO ring: front-take, back-insert
}

// New creates a pool. Call Start before Compute.
func New(cfg Config, hooks Hooks) (*Pool, error) {
	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", cfg.PoolSize)
	}
	if cfg.RecycleThreshold < 1 {
		return nil, fmt.Errorf("recycle threshold must be >= 1, got %d", cfg.RecycleThreshold)
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work dir is required")
	}
	if len(cfg.WorkerCommand) == 0 {
		return nil, fmt.Errorf("worker command is required")
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 5 * time.Second
	}
	if cfg.QueueWaitTimeout <= 0 {
		cfg.QueueWaitTimeout = 10 * time.Second
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = 10 * time.Second
	}
	return &Pool{
		cfg:         cfg,
		hooks:       hooks,
		live:        make(map[string]*Handle),
		terminating: make(map[string]*Handle),
		stopCh:      make(chan struct{}),
		idle:        make(chan *Handle, cfg.PoolSize*4+16),
	}, nil
}

// Start creates the work directory and spawns workers up to the pool size,
// waiting until every one is ready. Idempotent. On any readiness failure all
// spawned workers are terminated and a StartupError is returned.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.state == stateRunning || p.state == stateStarting {
		p.mu.Unlock()
		return nil
	}
	p.state = stateStarting
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	if err := os.MkdirAll(p.cfg.WorkDir, 0o700); err != nil {
		p.mu.Lock()
		p.state = stateStopped
		p.mu.Unlock()
		return &StartupError{Err: fmt.Errorf("create work dir: %w", err)}
	}

	var (
		wg       sync.WaitGroup
		spawnMu  sync.Mutex
		spawned  []*Handle
		firstErr error
	)
	for i := 0; i < p.cfg.PoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.spawnOne()
			spawnMu.Lock()
			defer spawnMu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			spawned = append(spawned, h)
		}()
	}
	wg.Wait()

	if firstErr != nil {
		for _, h := range spawned {
			h.Terminate()
		}
		p.mu.Lock()
		p.state = stateStopped
		p.live = make(map[string]*Handle)
		p.mu.Unlock()
		p.drainIdle()
		return firstErr
	}

	p.mu.Lock()
	p.state = stateRunning
	p.mu.Unlock()
	return nil
}

// spawnOne forks a worker, waits for readiness and registers it in the pool.
func (p *Pool) spawnOne() (*Handle, error) {
	h, err := spawnHandle(p.cfg.WorkDir, p.cfg.WorkerCommand, p.cfg.KillTimeout, p.handleExit)
	if err != nil {
		return nil, err
	}
	if err := h.WaitForReady(p.cfg.ReadinessTimeout); err != nil {
		h.Terminate()
		return nil, err
	}

	p.mu.Lock()
	if p.state != stateStarting && p.state != stateRunning {
		p.mu.Unlock()
		h.Terminate()
		return nil, &StartupError{WorkerID: h.ID, Err: errors.New("pool is shutting down")}
	}
	p.live[h.ID] = h
	p.mu.Unlock()

	p.offer(h)
	if p.hooks.OnSpawn != nil {
		p.hooks.OnSpawn(h.ID)
	}
	return h, nil
}

// offer returns a handle to the back of the FIFO ring. Handles the pool no
// longer owns are terminated instead.
func (p *Pool) offer(h *Handle) {
	p.mu.Lock()
	_, owned := p.live[h.ID]
	p.mu.Unlock()
	if !owned {
		if h.ScheduleTermination() {
			p.mu.Lock()
			p.terminating[h.ID] = h
			p.mu.Unlock()
		}
		return
	}
	select {
	case p.idle <- h:
	default:
		// Ring buffer full can only happen if stale entries piled up; the
		// handle cannot be parked, so retire it and let repopulation recover.
		log.Printf("sandpool: idle ring full, retiring worker %s", h.ID)
		p.retire(h)
	}
}

// handleExit runs when a worker process exits for any reason. If the pool
// still considers the handle live it is dropped and a replacement is spawned.
func (p *Pool) handleExit(h *Handle, err error) {
	p.mu.Lock()
	_, wasLive := p.live[h.ID]
	delete(p.live, h.ID)
	delete(p.terminating, h.ID)
	running := p.state == stateRunning
	p.mu.Unlock()

	if p.hooks.OnWorkerExit != nil {
		p.hooks.OnWorkerExit(h.ID, err)
	}
	if wasLive && running {
		p.repopulate()
	}
}

// retire removes a handle from the live set, schedules its termination and
// triggers repopulation.
func (p *Pool) retire(h *Handle) {
	p.mu.Lock()
	delete(p.live, h.ID)
	if h.ScheduleTermination() {
		p.terminating[h.ID] = h
	}
	running := p.state == stateRunning
	p.mu.Unlock()

	if running {
		p.repopulate()
	}
}

// repopulate schedules a background job that spawns workers until the pool
// size is restored. Single-flight: concurrent requests coalesce.
func (p *Pool) repopulate() {
	p.mu.Lock()
	if p.state != stateRunning || p.repopulating || len(p.live) >= p.cfg.PoolSize {
		p.mu.Unlock()
		return
	}
	p.repopulating = true
	p.mu.Unlock()

	go p.repopulateLoop()
}

func (p *Pool) repopulateLoop() {
	for {
		p.mu.Lock()
		need := p.cfg.PoolSize - len(p.live)
		running := p.state == stateRunning
		p.mu.Unlock()
		if !running || need <= 0 {
			break
		}

		err := retry.Do(
			func() error {
				_, err := p.spawnOne()
				return err
			},
			retry.Attempts(10),
			retry.Delay(50*time.Millisecond),
			retry.MaxDelay(time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(_ uint, err error) {
				if p.hooks.OnSpawnError != nil {
					p.hooks.OnSpawnError(err)
				}
			}),
		)
		if err != nil {
			// Run below target until the next pool event.
			if p.hooks.OnSpawnError != nil {
				p.hooks.OnSpawnError(err)
			}
			log.Printf("sandpool: repopulation gave up: %v", err)
			break
		}
	}

	p.mu.Lock()
	p.repopulating = false
	p.mu.Unlock()
}

// acquire takes the next usable handle from the front of the ring, skipping
// stale entries. Waiters are served in FIFO order of arrival; the wait is
// bounded by the queue-wait timeout.
func (p *Pool) acquire(ctx context.Context) (*Handle, error) {
	p.repopulate()

	timer := time.NewTimer(p.cfg.QueueWaitTimeout)
	defer timer.Stop()
	for {
		select {
		case h := <-p.idle:
			if h.Usable(p.cfg.RecycleThreshold) {
				return h, nil
			}
			// Stale: exited while warm, or already terminating. Drop it.
			if h.Exited() {
				p.repopulate()
			} else if !h.Terminating() {
				p.retire(h)
			}
		case <-timer.C:
			return nil, &QueueTimeoutError{Wait: p.cfg.QueueWaitTimeout}
		case <-p.stopped():
			return nil, ErrNotRunning
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) stopped() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh
}

// Compute dispatches a task to a ready worker and returns the decoded result.
// Transport failures tied to a crashed worker are retried on a fresh handle up
// to the configured retry budget.
func (p *Pool) Compute(ctx context.Context, task Task) (json.RawMessage, error) {
	p.mu.Lock()
	running := p.state == stateRunning
	p.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		h, err := p.acquire(ctx)
		if err != nil {
			return nil, err
		}

		result, err := p.computeOn(ctx, h, task, timeout)
		if err == nil || !isCrash(err) {
			return result, err
		}

		// Crashed worker: discard the handle and retry on a replacement.
		lastErr = err
		p.retire(h)
	}
	return nil, &CrashError{Attempts: p.cfg.Retries + 1, Err: lastErr}
}

// computeOn runs one task on one handle, applying the recycle policy and the
// per-task deadline.
func (p *Pool) computeOn(ctx context.Context, h *Handle, task Task, timeout time.Duration) (json.RawMessage, error) {
	h.BeginTask()
	defer h.EndTask()

	n := h.IncTasks()
	recycled := n%p.cfg.RecycleThreshold == 0
	if recycled {
		// The current task still runs on this handle; the worker is replaced
		// once it drains.
		p.retire(h)
		if p.hooks.OnRecycle != nil {
			p.hooks.OnRecycle(h.ID)
		}
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := h.Compute(taskCtx, wire.Request{ModuleURL: task.ModuleURL, Params: task.Params})
	if p.hooks.OnTaskFinished != nil {
		p.hooks.OnTaskFinished(h.ID, time.Since(start), err)
	}

	if err != nil {
		if ctx.Err() != nil {
			// Canceled by the caller: the worker itself is fine.
			if !recycled && h.Usable(p.cfg.RecycleThreshold) {
				p.offer(h)
			}
			return nil, ctx.Err()
		}
		if taskCtx.Err() == context.DeadlineExceeded {
			// A timed-out worker is tainted.
			p.retire(h)
			return nil, &ComputeTimeoutError{WorkerID: h.ID, Timeout: timeout}
		}
		if isCrash(err) {
			return nil, err
		}
		// Malformed response or unexpected transport failure: treat the
		// worker as crashed.
		p.retire(h)
		return nil, fmt.Errorf("worker %s protocol error: %w", h.ID, errCrash(err))
	}

	if !recycled && h.Usable(p.cfg.RecycleThreshold) {
		p.offer(h)
	}

	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Stop drains the pool and terminates every live and terminating worker,
// escalating to SIGKILL after the kill timeout. Idempotent and best-effort:
// it never fails, it only logs.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.state == stateStopped || p.state == stateStopping {
		p.mu.Unlock()
		return
	}
	p.state = stateStopping
	close(p.stopCh)
	all := make([]*Handle, 0, len(p.live)+len(p.terminating))
	for _, h := range p.live {
		all = append(all, h)
	}
	for _, h := range p.terminating {
		all = append(all, h)
	}
	p.live = make(map[string]*Handle)
	p.terminating = make(map[string]*Handle)
	p.mu.Unlock()

	p.drainIdle()

	var wg sync.WaitGroup
	for _, h := range all {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.Terminate()
		}(h)
	}
	wg.Wait()

	p.mu.Lock()
	p.state = stateStopped
	p.mu.Unlock()
	log.Printf("sandpool: pool stopped (%d workers terminated)", len(all))
}

func (p *Pool) drainIdle() {
	for {
		select {
		case <-p.idle:
		default:
			return
		}
	}
}

// Stats returns a snapshot of the pool for the status API.
func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := types.PoolStats{
		Running:     p.state == stateRunning,
		PoolSize:    p.cfg.PoolSize,
		Live:        len(p.live),
		Idle:        len(p.idle),
		Terminating: len(p.terminating),
	}
	for _, h := range p.live {
		stats.Workers = append(stats.Workers, types.WorkerInfo{
			ID:             h.ID,
			PID:            h.PID(),
			TasksProcessed: h.TasksProcessed(),
			Terminating:    h.Terminating(),
		})
	}
	return stats
}

// crashSentinel wraps transport errors that identify a crashed worker so the
// retry loop can recognize them across classification sites.
type crashSentinel struct{ err error }

func (c *crashSentinel) Error() string { return c.err.Error() }
func (c *crashSentinel) Unwrap() error { return c.err }

func errCrash(err error) error { return &crashSentinel{err: err} }

// isCrash reports whether err means the worker behind the connection is gone:
// connection refused to its socket, the socket file missing, or a response
// that broke off or failed to decode.
func isCrash(err error) bool {
	var cs *crashSentinel
	if errors.As(err, &cs) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
