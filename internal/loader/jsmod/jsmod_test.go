package jsmod

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpool/sandpool/internal/loader"
	"github.com/sandpool/sandpool/internal/wire"
)

func compute(t *testing.T, l *Loader, url string, params string) (json.RawMessage, error) {
	t.Helper()
	mod, err := l.Load(context.Background(), url)
	require.NoError(t, err)
	ec := loader.NewEvalContext()
	defer ec.Finalize()
	return mod.Compute(context.Background(), json.RawMessage(params), ec)
}

func memModule(t *testing.T, l *Loader, src string) string {
	t.Helper()
	url := fmt.Sprintf("mem://test/%d", time.Now().UnixNano())
	l.RegisterSource(url, src)
	return url
}

func TestEchoModule(t *testing.T) {
	l := New(Options{})
	url := memModule(t, l, `export async function compute(p){ return "Hello, "+p.name }`)

	out, err := compute(t, l, url, `{"name":"World"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `"Hello, World"`, string(out))
}

func TestSyncComputeSupported(t *testing.T) {
	l := New(Options{})
	url := memModule(t, l, `export function compute(p){ return p.a + p.b }`)

	out, err := compute(t, l, url, `{"a":2,"b":3}`)
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(out))
}

func TestNoProcessGlobal(t *testing.T) {
	l := New(Options{})
	url := memModule(t, l, `export async function compute(){ return "Process: "+typeof process }`)

	out, err := compute(t, l, url, ``)
	require.NoError(t, err)
	assert.JSONEq(t, `"Process: undefined"`, string(out))
}

func TestEscapeHatchDenied(t *testing.T) {
	l := New(Options{})
	url := memModule(t, l, `export async function compute(p,ctx){ const proc=ctx.constructor.constructor("return process")(); return "Process: "+typeof proc }`)

	out, err := compute(t, l, url, `null`)
	require.NoError(t, err)
	assert.JSONEq(t, `"Process: undefined"`, string(out))
}

func TestBareProcessReferenceResolvesToUndefined(t *testing.T) {
	l := New(Options{})
	// Not a typeof expression: without an explicit undefined binding this
	// would throw a ReferenceError.
	url := memModule(t, l, `export async function compute(){ const p = process; return "Process: "+typeof p }`)

	out, err := compute(t, l, url, ``)
	require.NoError(t, err)
	assert.JSONEq(t, `"Process: undefined"`, string(out))
}

func TestNetworkGlobalsScrubbed(t *testing.T) {
	l := New(Options{})
	url := memModule(t, l, `export async function compute(){ return [typeof fetch, typeof XMLHttpRequest, typeof WebSocket].join(",") }`)

	out, err := compute(t, l, url, ``)
	require.NoError(t, err)
	assert.JSONEq(t, `"undefined,undefined,undefined"`, string(out))
}

func TestConsoleIsNoop(t *testing.T) {
	l := New(Options{})
	url := memModule(t, l, `export async function compute(){ console.log("x"); console.error("y"); return "done" }`)

	out, err := compute(t, l, url, ``)
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(out))
}

func TestThrownErrorCarriesStatus(t *testing.T) {
	l := New(Options{})
	url := memModule(t, l, `export async function compute(){ const e=new TypeError("bad input"); e.status=400; throw e }`)

	_, err := compute(t, l, url, ``)
	var ce *wire.ComputeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "TypeError", ce.Name)
	assert.Equal(t, "bad input", ce.Message)
	assert.Equal(t, 400, ce.Status)
}

func TestRejectedPromise(t *testing.T) {
	l := New(Options{})
	url := memModule(t, l, `export async function compute(){ throw new Error("rejected") }`)

	_, err := compute(t, l, url, ``)
	var ce *wire.ComputeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Error", ce.Name)
	assert.Equal(t, "rejected", ce.Message)
	assert.Equal(t, 500, ce.Status)
}

func TestMissingComputeExport(t *testing.T) {
	l := New(Options{})
	url := memModule(t, l, `export function somethingElse(){ return 1 }`)

	_, err := compute(t, l, url, ``)
	var ce *wire.ComputeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "TypeError", ce.Name)
	assert.Equal(t, 500, ce.Status)
}

func TestPendingPromiseWaitsForCancel(t *testing.T) {
	l := New(Options{})
	url := memModule(t, l, `export async function compute(){ await new Promise(()=>{}) }`)

	mod, err := l.Load(context.Background(), url)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	ec := loader.NewEvalContext()
	defer ec.Finalize()
	_, err = mod.Compute(ctx, nil, ec)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRunawayLoopInterrupted(t *testing.T) {
	l := New(Options{})
	url := memModule(t, l, `export function compute(){ while(true){} }`)

	mod, err := l.Load(context.Background(), url)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	ec := loader.NewEvalContext()
	defer ec.Finalize()
	_, err = mod.Compute(ctx, nil, ec)
	require.Error(t, err)
}

func TestDataURLPlain(t *testing.T) {
	l := New(Options{})
	url := "data:text/javascript,export%20async%20function%20compute(){ return 7 }"

	out, err := compute(t, l, url, ``)
	require.NoError(t, err)
	assert.JSONEq(t, `7`, string(out))
}

func TestDataURLBase64(t *testing.T) {
	l := New(Options{})
	src := `export async function compute(){ return "b64" }`
	url := "data:text/javascript;base64," + base64.StdEncoding.EncodeToString([]byte(src))

	out, err := compute(t, l, url, ``)
	require.NoError(t, err)
	assert.JSONEq(t, `"b64"`, string(out))
}

func TestFileModule(t *testing.T) {
	l := New(Options{})
	path := filepath.Join(t.TempDir(), "mod.js")
	require.NoError(t, os.WriteFile(path, []byte(`export async function compute(p){ return p }`), 0o600))

	out, err := compute(t, l, "file://"+path, `{"deep":{"roundtrip":[1,2,3]}}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"deep":{"roundtrip":[1,2,3]}}`, string(out))
}

func TestNetworkModulesRefusedByDefault(t *testing.T) {
	l := New(Options{})
	_, err := l.Load(context.Background(), "https://example.com/mod.js")
	assert.ErrorContains(t, err, "network loading disabled")
}

func TestStripExports(t *testing.T) {
	src := "export async function compute(p){}\n  export const x = 1\nexport default fn\nlet keep = 'export '"
	got := stripExports(src)
	assert.Equal(t, "async function compute(p){}\n  const x = 1\nfn\nlet keep = 'export '", got)
}
