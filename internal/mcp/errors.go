package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrConnectionClosed is returned for calls that were pending, or were
// attempted, after the underlying transport shut down.
var ErrConnectionClosed = errors.New("mcp: connection closed")

// errNotStarted is returned by Send on a transport that was never started.
var errNotStarted = errors.New("mcp: transport not started")

// TransportInitError reports that a connection could not be
// established: the process would not spawn, the stream would not open,
// or the initialize handshake failed. The connection manager discards
// the attempt, so the next call starts over.
type TransportInitError struct {
	Transport string
	Err       error
}

func (e *TransportInitError) Error() string {
	return fmt.Sprintf("mcp: %s transport init: %v", e.Transport, e.Err)
}

func (e *TransportInitError) Unwrap() error { return e.Err }

// CallTimeoutError reports that a single request exceeded its deadline.
// The connection stays open; a slow tool must not kill it.
type CallTimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("mcp: %s timed out after %v", e.Method, e.Timeout)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (e *CallTimeoutError) Unwrap() error { return context.DeadlineExceeded }

// UnsupportedPlatformError reports a transport that cannot run on this
// host, such as stdio where processes cannot be spawned. It is never
// retried.
type UnsupportedPlatformError struct {
	Transport string
	GOOS      string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("mcp: %s transport is not supported on %s", e.Transport, e.GOOS)
}

// SerializationError reports an inbound payload that is not a valid
// JSON-RPC envelope. When the id could still be read from the payload,
// ID is set and the protocol client fails that pending call with this
// error; otherwise the payload is logged and dropped.
type SerializationError struct {
	ID      json.RawMessage
	Payload string
	Err     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("mcp: malformed message: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// maxPayloadInError bounds how much of a bad payload is kept for logs.
const maxPayloadInError = 256

func newSerializationError(data []byte, err error) *SerializationError {
	p := string(data)
	if len(p) > maxPayloadInError {
		p = p[:maxPayloadInError] + "..."
	}
	return &SerializationError{
		ID:      probeID(data),
		Payload: p,
		Err:     err,
	}
}

// IsMethodNotFound reports whether err is a JSON-RPC "method not found"
// error from the server.
func IsMethodNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound
}

// IsProtocolError reports whether the server answered with a JSON-RPC
// error. Such a server is alive even though the call failed.
func IsProtocolError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// IsPermanent reports errors that retrying cannot fix.
func IsPermanent(err error) bool {
	var upe *UnsupportedPlatformError
	return errors.As(err, &upe)
}
