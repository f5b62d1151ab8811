// Package invoker calls tools on MCP servers with retry, and derives the
// sanitized tool names exposed to function-calling models.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/nugget/toolhost/internal/connmgr"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
	"github.com/nugget/toolhost/internal/registry"
)

// Retry defaults: three attempts spaced 1s then 2s apart, capped at 4s.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 4 * time.Second
)

// Session is the part of a protocol client the invoker needs.
type Session interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Connector hands out a session for a server, connecting if needed.
type Connector interface {
	Session(ctx context.Context, d registry.Descriptor) (Session, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, d registry.Descriptor) (Session, error)

// Session implements Connector.
func (f ConnectorFunc) Session(ctx context.Context, d registry.Descriptor) (Session, error) {
	return f(ctx, d)
}

// FromManager returns a Connector backed by a connection manager.
func FromManager(m *connmgr.Manager) Connector {
	return ConnectorFunc(func(ctx context.Context, d registry.Descriptor) (Session, error) {
		c, err := m.Get(ctx, d)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Config configures an Invoker.
type Config struct {
	Connector Connector
	Logger    *slog.Logger
	Events    *events.Bus

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Invoker runs tool calls against MCP servers.
type Invoker struct {
	conn       Connector
	logger     *slog.Logger
	events     *events.Bus
	attempts   int
	initial    time.Duration
	maxBackoff time.Duration
}

// New creates an Invoker. Zero retry settings take the defaults.
func New(cfg Config) *Invoker {
	inv := &Invoker{
		conn:       cfg.Connector,
		logger:     cfg.Logger,
		events:     cfg.Events,
		attempts:   cfg.MaxAttempts,
		initial:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
	}
	if inv.logger == nil {
		inv.logger = slog.Default()
	}
	if inv.attempts <= 0 {
		inv.attempts = DefaultMaxAttempts
	}
	if inv.initial <= 0 {
		inv.initial = DefaultInitialBackoff
	}
	if inv.maxBackoff <= 0 {
		inv.maxBackoff = DefaultMaxBackoff
	}
	return inv
}

// Result is the outcome of a tool call. A failed call is still a
// Result: IsError is set and Content carries the reason.
type Result struct {
	Content      []mcp.ContentBlock `json:"content"`
	IsError      bool               `json:"isError"`
	Attempts     int                `json:"attempts"`
	InvocationID string             `json:"invocationId"`
}

// Text concatenates the text blocks of the result.
func (r *Result) Text() string {
	cr := mcp.CallToolResult{Content: r.Content, IsError: r.IsError}
	return cr.Text()
}

// newBackOff builds the retry schedule: exponential, no jitter, with
// at most attempts-1 retries.
func (inv *Invoker) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = inv.initial
	b.MaxInterval = inv.maxBackoff
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(inv.attempts-1)), ctx)
}

// CallTool invokes tool on the server described by d. It never returns
// an error; every failure mode ends in an IsError result.
func (inv *Invoker) CallTool(ctx context.Context, d registry.Descriptor, tool string, args map[string]any) *Result {
	id := ulid.Make().String()
	logger := inv.logger.With("invocation_id", id, "mcp_server", d.Name, "tool", tool)
	start := time.Now()

	inv.events.Emit(events.SourceInvoker, events.KindToolCall, map[string]any{
		"invocation_id": id,
		"server":        d.Name,
		"tool":          tool,
	})

	var (
		attempts int
		out      *mcp.CallToolResult
	)
	op := func() error {
		attempts++
		logger.Debug("calling tool", "attempt", attempts, "max_attempts", inv.attempts)

		sess, err := inv.conn.Session(ctx, d)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		res, err := sess.CallTool(ctx, tool, args)
		if err != nil {
			return err
		}
		out = res
		return nil
	}
	notify := func(err error, delay time.Duration) {
		logger.Warn("tool call failed, retrying",
			"attempt", attempts,
			"delay", delay,
			"error", err)
		inv.events.Emit(events.SourceInvoker, events.KindToolRetry, map[string]any{
			"invocation_id": id,
			"server":        d.Name,
			"tool":          tool,
			"attempt":       attempts,
			"delay_ms":      delay.Milliseconds(),
			"error":         err.Error(),
		})
	}

	err := backoff.RetryNotify(op, inv.newBackOff(ctx), notify)

	res := &Result{Attempts: attempts, InvocationID: id}
	if err != nil {
		logger.Error("tool call failed", "attempts", attempts, "error", err)
		res.IsError = true
		res.Content = []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf("tool call failed: %v", err))}
	} else {
		res.Content = out.Content
		res.IsError = out.IsError
		if res.Content == nil {
			res.Content = []mcp.ContentBlock{}
		}
		logger.Info("tool call complete",
			"attempts", attempts,
			"is_error", res.IsError,
			"elapsed", time.Since(start).Round(time.Millisecond))
	}

	inv.events.Emit(events.SourceInvoker, events.KindToolDone, map[string]any{
		"invocation_id": id,
		"server":        d.Name,
		"tool":          tool,
		"ok":            !res.IsError,
		"attempts":      attempts,
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	return res
}

// permanent reports errors that no amount of retrying can fix.
func permanent(err error) bool {
	return mcp.IsPermanent(err) || errors.Is(err, registry.ErrInvalidDescriptor)
}
