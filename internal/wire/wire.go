// Package wire implements the supervisor<->worker protocol: one UTF-8 JSON
// document per direction over a Unix domain socket, delimited by a half-close
// of the writing side. There is no length prefix.
package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// MaxDocumentSize bounds a single request or response document. The protocol
// itself imposes no cap; this guards the reader against a runaway peer.
const MaxDocumentSize = 64 << 20

// Request is the supervisor->worker document.
type Request struct {
	ModuleURL string          `json:"moduleUrl"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// ComputeError is the error branch of a worker response. Status follows HTTP
// conventions (408 compute timeout, 429 queue timeout, 500 worker errors,
// 503 invalid state).
type ComputeError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Name, e.Message, e.Status)
}

// Response is the worker->supervisor document. Exactly one of Result or Error
// is set.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ComputeError   `json:"error,omitempty"`
}

// WriteDocument marshals v, writes it to conn and half-closes the write side
// so the peer observes EOF.
func WriteDocument(conn *net.UnixConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	if err := conn.CloseWrite(); err != nil {
		return fmt.Errorf("close write side: %w", err)
	}
	return nil
}

// ReadDocument reads from r until EOF and unmarshals the accumulated bytes
// into v.
func ReadDocument(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, MaxDocumentSize))
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	if len(data) == 0 {
		return io.ErrUnexpectedEOF
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}
