// Package workerd implements the worker-side IPC loop: a Unix-domain socket
// server that reads one JSON request per connection, invokes the module
// loader, writes one JSON response and closes. Termination is graceful:
// SIGTERM stops accepting and the process exits once connections drain.
package workerd

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sandpool/sandpool/internal/loader"
	"github.com/sandpool/sandpool/internal/wire"
)

// drainTimeout bounds how long Shutdown waits for in-flight connections
// before aborting their invocation contexts. A module awaiting a promise that
// can never settle would otherwise hold the drain forever.
const drainTimeout = 5 * time.Second

// Server serves compute requests on a Unix domain socket.
type Server struct {
	socketPath string
	loader     loader.Loader

	ln      *net.UnixListener
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a worker IPC server bound to socketPath.
func New(socketPath string, l loader.Loader) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		loader:     l,
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// ListenAndServe binds the socket and accepts connections until Shutdown.
// The socket path becoming stat-able is the supervisor's readiness signal, so
// the listener must exist before this returns control to the accept loop.
func (s *Server) ListenAndServe() error {
	os.Remove(s.socketPath)
	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	log.Printf("sandpool-worker: listening on %s", s.socketPath)

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("sandpool-worker: accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Shutdown stops accepting, waits for in-flight connections up to the drain
// timeout, then aborts the stragglers and removes the socket file.
func (s *Server) Shutdown() {
	if s.ln != nil {
		s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Printf("sandpool-worker: connections did not drain after %s, aborting", drainTimeout)
		s.cancel()
		<-done
	}
	s.cancel()
	os.Remove(s.socketPath)
}

// handleConn serves exactly one request/response exchange.
func (s *Server) handleConn(conn *net.UnixConn) {
	defer s.wg.Done()
	defer conn.Close()

	if err := checkPeer(conn); err != nil {
		log.Printf("sandpool-worker: rejecting connection: %v", err)
		return
	}

	var req wire.Request
	if err := wire.ReadDocument(conn, &req); err != nil {
		log.Printf("sandpool-worker: bad request: %v", err)
		return
	}

	ec := loader.NewEvalContext()
	defer ec.Finalize()

	resp := s.serve(s.baseCtx, req, ec)
	if err := wire.WriteDocument(conn, resp); err != nil {
		log.Printf("sandpool-worker: write response: %v", err)
	}
}

// serve resolves the module and invokes its compute entry point, mapping any
// failure to the error branch of the response.
func (s *Server) serve(ctx context.Context, req wire.Request, ec *loader.EvalContext) *wire.Response {
	mod, err := s.loader.Load(ctx, req.ModuleURL)
	if err != nil {
		return &wire.Response{Error: &wire.ComputeError{
			Name:    "ModuleLoadError",
			Message: err.Error(),
			Status:  500,
		}}
	}

	result, err := mod.Compute(ctx, req.Params, ec)
	if err != nil {
		var ce *wire.ComputeError
		if errors.As(err, &ce) {
			return &wire.Response{Error: ce}
		}
		return &wire.Response{Error: &wire.ComputeError{
			Name:    "Error",
			Message: err.Error(),
			Status:  500,
		}}
	}
	return &wire.Response{Result: result}
}
