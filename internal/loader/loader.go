// Package loader defines the module-loader collaborator used by the worker:
// it resolves a module URL to a callable compute entry point. Implementations
// decide which URL schemes they serve.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Module is a loaded compute module.
type Module interface {
	// Compute invokes the module's compute entry point with the given JSON
	// params. ec scopes per-invocation resources and is finalized by the
	// caller after Compute returns.
	Compute(ctx context.Context, params json.RawMessage, ec *EvalContext) (json.RawMessage, error)
}

// Loader resolves a module URL to a Module.
type Loader interface {
	Load(ctx context.Context, moduleURL string) (Module, error)
}

// FuncModule adapts a plain function to the Module interface.
type FuncModule func(ctx context.Context, params json.RawMessage, ec *EvalContext) (json.RawMessage, error)

func (f FuncModule) Compute(ctx context.Context, params json.RawMessage, ec *EvalContext) (json.RawMessage, error) {
	return f(ctx, params, ec)
}

// EvalContext scopes resources to a single compute invocation. The worker
// creates one per connection and finalizes it once the response is written.
type EvalContext struct {
	ID string

	mu         sync.Mutex
	finalizers []func()
	done       bool
}

// NewEvalContext returns a fresh evaluation context with a unique ID.
func NewEvalContext() *EvalContext {
	return &EvalContext{ID: uuid.NewString()}
}

// OnFinalize registers fn to run when the context is finalized. Registering
// after finalization runs fn immediately.
func (ec *EvalContext) OnFinalize(fn func()) {
	ec.mu.Lock()
	if ec.done {
		ec.mu.Unlock()
		fn()
		return
	}
	ec.finalizers = append(ec.finalizers, fn)
	ec.mu.Unlock()
}

// Finalize releases ctx-scoped resources. Idempotent; finalizers run in
// reverse registration order.
func (ec *EvalContext) Finalize() {
	ec.mu.Lock()
	if ec.done {
		ec.mu.Unlock()
		return
	}
	ec.done = true
	fns := ec.finalizers
	ec.finalizers = nil
	ec.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Registry is a Loader backed by an in-memory table of modules, keyed by
// exact module URL. It serves built-ins and test fixtures.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register binds a module to a URL, replacing any previous binding.
func (r *Registry) Register(moduleURL string, m Module) {
	r.mu.Lock()
	r.modules[moduleURL] = m
	r.mu.Unlock()
}

// Load returns the module registered for moduleURL.
func (r *Registry) Load(_ context.Context, moduleURL string) (Module, error) {
	r.mu.RLock()
	m, ok := r.modules[moduleURL]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module %s not registered", moduleURL)
	}
	return m, nil
}

// Chain tries each loader in order and returns the first successful load.
type Chain []Loader

// Load resolves moduleURL against each loader in order. The last error is
// returned if none succeeds.
func (c Chain) Load(ctx context.Context, moduleURL string) (Module, error) {
	var lastErr error
	for _, l := range c {
		m, err := l.Load(ctx, moduleURL)
		if err == nil {
			return m, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no loader configured")
	}
	return nil, fmt.Errorf("resolve module %s: %w", moduleURL, lastErr)
}
