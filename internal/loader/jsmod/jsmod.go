// Package jsmod loads JavaScript compute modules and evaluates them with the
// goja engine. Each invocation runs in a fresh runtime whose global surface is
// scrubbed: no process, no network globals, and console methods are no-ops.
package jsmod

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/sandpool/sandpool/internal/loader"
	"github.com/sandpool/sandpool/internal/wire"
)

const maxModuleSource = 4 << 20

// Options configures the JS module loader.
type Options struct {
	// AllowNetwork permits http(s) module URLs.
	AllowNetwork bool
	// HTTPClient overrides the client used to fetch network modules.
	HTTPClient *http.Client
}

// Loader resolves data:, file:, mem: and (optionally) http(s): module URLs to
// JS source and compiles them. Compiled programs are cached by URL; data: URLs
// carry their own source and are cached too, keyed by the full URL.
type Loader struct {
	opts    Options
	client  *http.Client
	mu      sync.Mutex
	sources map[string]string
	progs   map[string]*goja.Program
}

// New creates a JS module loader.
func New(opts Options) *Loader {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Loader{
		opts:    opts,
		client:  client,
		sources: make(map[string]string),
		progs:   make(map[string]*goja.Program),
	}
}

// RegisterSource binds JS source to a mem: URL.
func (l *Loader) RegisterSource(memURL, src string) {
	l.mu.Lock()
	l.sources[memURL] = src
	l.mu.Unlock()
}

// Load resolves moduleURL, compiles the source and returns an invokable
// module.
func (l *Loader) Load(ctx context.Context, moduleURL string) (loader.Module, error) {
	l.mu.Lock()
	prog, ok := l.progs[moduleURL]
	l.mu.Unlock()
	if ok {
		return &jsModule{prog: prog, url: moduleURL}, nil
	}

	src, err := l.resolveSource(ctx, moduleURL)
	if err != nil {
		return nil, err
	}

	prog, err = goja.Compile(moduleURL, stripExports(src), false)
	if err != nil {
		return nil, fmt.Errorf("compile module %s: %w", moduleURL, err)
	}

	l.mu.Lock()
	l.progs[moduleURL] = prog
	l.mu.Unlock()

	return &jsModule{prog: prog, url: moduleURL}, nil
}

func (l *Loader) resolveSource(ctx context.Context, moduleURL string) (string, error) {
	switch {
	case strings.HasPrefix(moduleURL, "mem://"):
		l.mu.Lock()
		src, ok := l.sources[moduleURL]
		l.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("module %s not registered", moduleURL)
		}
		return src, nil

	case strings.HasPrefix(moduleURL, "data:"):
		return decodeDataURL(moduleURL)

	case strings.HasPrefix(moduleURL, "http://"), strings.HasPrefix(moduleURL, "https://"):
		if !l.opts.AllowNetwork {
			return "", fmt.Errorf("network module %s refused: network loading disabled", moduleURL)
		}
		return l.fetch(ctx, moduleURL)

	case strings.HasPrefix(moduleURL, "file://"):
		u, err := url.Parse(moduleURL)
		if err != nil {
			return "", fmt.Errorf("parse module URL %s: %w", moduleURL, err)
		}
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return "", fmt.Errorf("read module %s: %w", moduleURL, err)
		}
		return string(data), nil

	default:
		data, err := os.ReadFile(moduleURL)
		if err != nil {
			return "", fmt.Errorf("read module %s: %w", moduleURL, err)
		}
		return string(data), nil
	}
}

func (l *Loader) fetch(ctx context.Context, moduleURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, moduleURL, nil)
	if err != nil {
		return "", fmt.Errorf("fetch module %s: %w", moduleURL, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch module %s: %w", moduleURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch module %s: status %d", moduleURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModuleSource))
	if err != nil {
		return "", fmt.Errorf("fetch module %s: %w", moduleURL, err)
	}
	return string(data), nil
}

// decodeDataURL decodes data:[mediatype][;base64],payload.
func decodeDataURL(u string) (string, error) {
	rest := strings.TrimPrefix(u, "data:")
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", fmt.Errorf("malformed data URL")
	}
	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", fmt.Errorf("decode data URL: %w", err)
		}
		return string(data), nil
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return "", fmt.Errorf("decode data URL: %w", err)
	}
	return decoded, nil
}

// stripExports rewrites ESM export markers so the source runs as a plain
// script: the compute entry point is looked up as a global after evaluation.
func stripExports(src string) string {
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		indent := line[:len(line)-len(trimmed)]
		switch {
		case strings.HasPrefix(trimmed, "export default "):
			lines[i] = indent + strings.TrimPrefix(trimmed, "export default ")
		case strings.HasPrefix(trimmed, "export "):
			lines[i] = indent + strings.TrimPrefix(trimmed, "export ")
		}
	}
	return strings.Join(lines, "\n")
}

type jsModule struct {
	prog *goja.Program
	url  string
}

// Compute evaluates the module in a fresh runtime and invokes its compute
// export. A returned promise is observed after the job queue drains; a promise
// that never settles blocks until ctx is canceled, so the supervisor's
// deadline governs.
func (m *jsModule) Compute(ctx context.Context, params json.RawMessage, ec *loader.EvalContext) (json.RawMessage, error) {
	vm := goja.New()
	scrubGlobals(vm)

	// Interrupt runaway scripts when the invocation context ends.
	watchdog := make(chan struct{})
	defer close(watchdog)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("invocation canceled")
		case <-watchdog:
		}
	}()

	if _, err := vm.RunProgram(m.prog); err != nil {
		return nil, jsError(err)
	}

	fn, ok := goja.AssertFunction(vm.Get("compute"))
	if !ok {
		return nil, &wire.ComputeError{
			Name:    "TypeError",
			Message: fmt.Sprintf("module %s has no compute export", m.url),
			Status:  500,
		}
	}

	var p any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}

	ctxObj := vm.NewObject()
	_ = ctxObj.Set("id", ec.ID)

	res, err := fn(goja.Undefined(), vm.ToValue(p), ctxObj)
	if err != nil {
		return nil, jsError(err)
	}

	// Async compute returns a promise. By the time the call returns, goja has
	// drained the job queue, so a still-pending promise can never settle on
	// its own.
	if prom, ok := res.Export().(*goja.Promise); ok {
		switch prom.State() {
		case goja.PromiseStateFulfilled:
			res = prom.Result()
		case goja.PromiseStateRejected:
			return nil, jsValueError(prom.Result())
		default:
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}

	out, err := json.Marshal(res.Export())
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}

// scrubGlobals replaces the ambient globals with a minimal surface: a no-op
// console, and process plus the network globals bound to undefined. The
// explicit undefined bindings matter: a bare `process` reference in module
// code must resolve to undefined rather than throw a ReferenceError.
func scrubGlobals(vm *goja.Runtime) {
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	console := vm.NewObject()
	for _, name := range []string{"log", "error", "warn", "info", "debug", "trace"} {
		_ = console.Set(name, noop)
	}
	_ = vm.Set("console", console)

	for _, name := range []string{"process", "fetch", "XMLHttpRequest", "WebSocket"} {
		_ = vm.Set(name, goja.Undefined())
	}
}

// jsError maps an evaluation error to the wire error shape.
func jsError(err error) error {
	if ex, ok := err.(*goja.Exception); ok {
		return jsValueError(ex.Value())
	}
	if _, ok := err.(*goja.InterruptedError); ok {
		return context.Canceled
	}
	return &wire.ComputeError{Name: "Error", Message: err.Error(), Status: 500}
}

// jsValueError converts a thrown JS value into a ComputeError, honoring
// name, message and a numeric status own-property when present.
func jsValueError(v goja.Value) error {
	ce := &wire.ComputeError{Name: "Error", Status: 500}
	if obj, ok := v.(*goja.Object); ok {
		if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
			ce.Name = name.String()
		}
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			ce.Message = msg.String()
		}
		if status := obj.Get("status"); status != nil && !goja.IsUndefined(status) {
			if n := status.ToInteger(); n > 0 {
				ce.Status = int(n)
			}
		}
	}
	if ce.Message == "" {
		ce.Message = v.String()
	}
	return ce
}
