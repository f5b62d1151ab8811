package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/toolhost/internal/config"
)

// ProtocolVersion is the MCP protocol revision we advertise during
// initialization and in the HTTP protocol-version header.
const ProtocolVersion = "2025-03-26"

// HTTP headers shared by the HTTP-family transports.
const (
	protocolVersionHeader = "Mcp-Protocol-Version"
	sessionIDHeader       = "Mcp-Session-Id"
)

// HTTP requests that never reached the server are retried briefly so a
// restarting server does not fail the connection outright.
const (
	dialRetries    = 2
	dialRetryDelay = 250 * time.Millisecond
)

// Handler receives everything a transport reads. Any field may be nil.
type Handler struct {
	// OnMessage is called for every inbound envelope, in the order the
	// transport received them, never concurrently.
	OnMessage func(*Message)

	// OnError reports channel-level failures and malformed payloads.
	// The channel may still be usable afterwards.
	OnError func(error)

	// OnClose is called exactly once when the channel terminates,
	// whichever side ended it.
	OnClose func()
}

// Transport is a bidirectional JSON-RPC message channel to one MCP
// server. Implementations own framing and connection setup; they do not
// correlate requests with responses.
type Transport interface {
	// Start establishes the channel and returns once Send can be
	// called. Inbound traffic is reported to h from then on.
	Start(ctx context.Context, h Handler) error

	// Send delivers one envelope to the server.
	Send(ctx context.Context, msg *Message) error

	// Close terminates the channel. Safe to call more than once.
	Close() error
}

// dispatcher wraps a Handler with the guarantees the Transport contract
// promises: nil-safe callbacks, serialized message delivery, and a
// single OnClose.
type dispatcher struct {
	h      Handler
	logger *slog.Logger

	deliverMu sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		logger: logger,
		closed: make(chan struct{}),
	}
}

// bind installs the handler. Call before any traffic can arrive.
func (d *dispatcher) bind(h Handler) {
	d.deliverMu.Lock()
	d.h = h
	d.deliverMu.Unlock()
}

func (d *dispatcher) message(m *Message) {
	d.logger.Log(context.Background(), config.LevelTrace, "mcp recv",
		"method", m.Method,
		"id", string(m.ID),
	)

	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if d.isClosed() {
		return
	}
	if d.h.OnMessage != nil {
		d.h.OnMessage(m)
	}
}

func (d *dispatcher) error(err error) {
	if d.h.OnError != nil {
		d.h.OnError(err)
		return
	}
	d.logger.Debug("transport error with no handler", "error", err)
}

func (d *dispatcher) close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		if d.h.OnClose != nil {
			d.h.OnClose()
		}
	})
}

func (d *dispatcher) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

// traceSend logs an outbound envelope at trace level.
func traceSend(logger *slog.Logger, m *Message) {
	logger.Log(context.Background(), config.LevelTrace, "mcp send",
		"method", m.Method,
		"id", string(m.ID),
		"params", string(m.Params),
	)
}
