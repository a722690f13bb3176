package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpool/sandpool/internal/loader"
	"github.com/sandpool/sandpool/internal/loader/jsmod"
	"github.com/sandpool/sandpool/internal/workerd"
)

// workerSentinel re-execs this test binary as a worker subprocess. The child
// is launched with an empty environment, so the sentinel travels in argv.
const workerSentinel = "-run-as-worker"

func TestMain(m *testing.M) {
	for i, arg := range os.Args {
		if arg == workerSentinel && i+1 < len(os.Args) {
			runTestWorker(os.Args[i+1])
			return
		}
	}
	os.Exit(m.Run())
}

// runTestWorker is the worker-side main loop for pool tests: the JS loader
// plus native fault-injection modules.
func runTestWorker(socketPath string) {
	workerd.Scrub()

	reg := loader.NewRegistry()
	reg.Register("mem://native/exit", loader.FuncModule(
		func(context.Context, json.RawMessage, *loader.EvalContext) (json.RawMessage, error) {
			os.Exit(1)
			return nil, nil
		}))
	reg.Register("mem://native/sleep", loader.FuncModule(
		func(ctx context.Context, params json.RawMessage, _ *loader.EvalContext) (json.RawMessage, error) {
			var p struct {
				Ms int `json:"ms"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			select {
			case <-time.After(time.Duration(p.Ms) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return json.Marshal("slept")
		}))
	reg.Register("mem://native/hang", loader.FuncModule(
		func(ctx context.Context, _ json.RawMessage, _ *loader.EvalContext) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	srv := workerd.New(socketPath, loader.Chain{reg, jsmod.New(jsmod.Options{})})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		<-quit
		srv.Shutdown()
		close(done)
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("test worker: %v", err)
	}
	<-done
	os.Exit(0)
}

func jsURL(src string) string {
	return "data:text/javascript," + strings.ReplaceAll(src, " ", "%20")
}

func testConfig(t *testing.T, size int) Config {
	t.Helper()
	return Config{
		WorkDir:          filepath.Join(t.TempDir(), "workers"),
		PoolSize:         size,
		KillTimeout:      2 * time.Second,
		QueueWaitTimeout: 5 * time.Second,
		RecycleThreshold: 100,
		ReadinessTimeout: 10 * time.Second,
		Retries:          1,
		WorkerCommand:    []string{os.Args[0], workerSentinel},
	}
}

func startPool(t *testing.T, cfg Config, hooks Hooks) *Pool {
	t.Helper()
	p, err := New(cfg, hooks)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return p
}

func TestPoolEcho(t *testing.T) {
	p := startPool(t, testConfig(t, 2), Hooks{})

	src := `export async function compute(p){ return "Hello, "+p.name }`
	result, err := p.Compute(context.Background(), Task{
		ModuleURL: jsURL(src),
		Params:    json.RawMessage(`{"name":"World"}`),
		Timeout:   time.Second,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"Hello, World"`, string(result))
}

func TestWorkerScrubsProcess(t *testing.T) {
	p := startPool(t, testConfig(t, 1), Hooks{})

	src := `export async function compute(){ return "Process: "+typeof process }`
	result, err := p.Compute(context.Background(), Task{ModuleURL: jsURL(src), Timeout: time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `"Process: undefined"`, string(result))
}

func TestEscapeHatchDenied(t *testing.T) {
	p := startPool(t, testConfig(t, 1), Hooks{})

	src := `export async function compute(p,ctx){ const proc=ctx.constructor.constructor("return process")(); return "Process: "+typeof proc }`
	result, err := p.Compute(context.Background(), Task{ModuleURL: jsURL(src), Timeout: time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `"Process: undefined"`, string(result))
}

func TestParallelism(t *testing.T) {
	p := startPool(t, testConfig(t, 2), Hooks{})

	const n = 10
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := fmt.Sprintf(`export async function compute(){ return "Hello %d" }`, i)
			result, err := p.Compute(context.Background(), Task{ModuleURL: jsURL(src), Timeout: 5 * time.Second})
			if err != nil {
				t.Errorf("task %d: %v", i, err)
				return
			}
			results[i] = string(result)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.JSONEq(t, fmt.Sprintf(`"Hello %d"`, i), results[i])
	}
}

func TestRecycle(t *testing.T) {
	var recycles atomic.Int64
	cfg := testConfig(t, 2)
	cfg.RecycleThreshold = 5
	p := startPool(t, cfg, Hooks{
		OnRecycle: func(string) { recycles.Add(1) },
	})

	src := `export async function compute(){ return "ok" }`
	for i := 0; i < 12; i++ {
		result, err := p.Compute(context.Background(), Task{ModuleURL: jsURL(src), Timeout: 5 * time.Second})
		require.NoError(t, err, "task %d", i)
		assert.JSONEq(t, `"ok"`, string(result))
	}

	assert.Equal(t, int64(2), recycles.Load())
}

func TestCrashRecovery(t *testing.T) {
	var exits atomic.Int64
	cfg := testConfig(t, 1)
	p := startPool(t, cfg, Hooks{
		OnWorkerExit: func(string, error) { exits.Add(1) },
	})

	// The fault module kills its worker mid-task; the retry lands on a fresh
	// worker that dies the same way, so the caller sees a crash error.
	_, err := p.Compute(context.Background(), Task{ModuleURL: "mem://native/exit", Timeout: 5 * time.Second})
	var crashErr *CrashError
	require.ErrorAs(t, err, &crashErr)
	assert.Positive(t, exits.Load())

	// The pool replaces the dead workers; the next submission succeeds.
	src := `export async function compute(){ return "recovered" }`
	result, err := p.Compute(context.Background(), Task{ModuleURL: jsURL(src), Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `"recovered"`, string(result))
}

func TestQueueTimeout(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.QueueWaitTimeout = 50 * time.Millisecond
	p := startPool(t, cfg, Hooks{})

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Compute(context.Background(), Task{
			ModuleURL: "mem://native/sleep",
			Params:    json.RawMessage(`{"ms":500}`),
			Timeout:   5 * time.Second,
		})
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := p.Compute(context.Background(), Task{
		ModuleURL: "mem://native/sleep",
		Params:    json.RawMessage(`{"ms":500}`),
		Timeout:   5 * time.Second,
	})
	var queueErr *QueueTimeoutError
	require.ErrorAs(t, err, &queueErr)

	require.NoError(t, <-errCh)
}

func TestComputeTimeout(t *testing.T) {
	p := startPool(t, testConfig(t, 1), Hooks{})

	start := time.Now()
	_, err := p.Compute(context.Background(), Task{
		ModuleURL: "mem://native/hang",
		Timeout:   100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	var timeoutErr *ComputeTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)

	// The tainted worker is replaced and the pool keeps serving.
	src := `export async function compute(){ return "alive" }`
	result, err := p.Compute(context.Background(), Task{ModuleURL: jsURL(src), Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `"alive"`, string(result))
}

func TestUserComputeErrorPassthrough(t *testing.T) {
	p := startPool(t, testConfig(t, 1), Hooks{})

	src := `export async function compute(){ const e=new Error("nope"); e.status=422; throw e }`
	_, err := p.Compute(context.Background(), Task{ModuleURL: jsURL(src), Timeout: time.Second})
	require.Error(t, err)

	name, message, status := Describe(err)
	assert.Equal(t, "Error", name)
	assert.Equal(t, "nope", message)
	assert.Equal(t, 422, status)
}

func TestComputeNotRunning(t *testing.T) {
	p, err := New(testConfig(t, 1), Hooks{})
	require.NoError(t, err)

	_, err = p.Compute(context.Background(), Task{ModuleURL: "mem://native/sleep"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStartIdempotent(t *testing.T) {
	p := startPool(t, testConfig(t, 1), Hooks{})
	require.NoError(t, p.Start())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Live)
}

func TestStopRemovesSocketsAndWorkers(t *testing.T) {
	cfg := testConfig(t, 2)
	p := startPool(t, cfg, Hooks{})

	src := `export async function compute(){ return 1 }`
	_, err := p.Compute(context.Background(), Task{ModuleURL: jsURL(src), Timeout: time.Second})
	require.NoError(t, err)

	p.Stop()
	p.Stop() // idempotent

	entries, err := os.ReadDir(cfg.WorkDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".sock"), "stale socket %s", e.Name())
	}

	stats := p.Stats()
	assert.False(t, stats.Running)
	assert.Zero(t, stats.Live)
	assert.Zero(t, stats.Terminating)

	_, err = p.Compute(context.Background(), Task{ModuleURL: jsURL(src)})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestCrashedIdleWorkerIsReplaced(t *testing.T) {
	var exited atomic.Int64
	cfg := testConfig(t, 2)
	p := startPool(t, cfg, Hooks{
		OnWorkerExit: func(string, error) { exited.Add(1) },
	})

	// Kill one warm worker behind the pool's back.
	stats := p.Stats()
	require.Len(t, stats.Workers, 2)
	require.NoError(t, syscall.Kill(stats.Workers[0].PID, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		return exited.Load() >= 1 && p.Stats().Live == 2
	}, 10*time.Second, 20*time.Millisecond, "pool should repopulate after a crash")

	src := `export async function compute(){ return "ok" }`
	for i := 0; i < 4; i++ {
		_, err := p.Compute(context.Background(), Task{ModuleURL: jsURL(src), Timeout: 5 * time.Second})
		require.NoError(t, err)
	}
}
