package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/config"
)

// DefaultCallTimeout bounds a single request when no timeout is configured.
const DefaultCallTimeout = 60 * time.Second

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// TextContent returns a single text content block.
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// CallToolResult is the result payload of a tools/call response.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins the result's content into a single string. Non-text blocks
// are represented as inline markers (e.g., "[image]").
func (r *CallToolResult) Text() string {
	return extractText(r.Content)
}

// Prompt is an MCP prompt template as returned by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one prompt template argument.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Resource is an MCP resource as returned by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ServerInfo identifies the server, as reported during initialize.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type promptsListResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

type resourcesListResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// maxPages stops a server that keeps returning cursors.
const maxPages = 100

// callResult is what a pending call's channel receives.
type callResult struct {
	msg *Message
	err error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout sets the per-request timeout. Zero or negative keeps
// DefaultCallTimeout.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// Client connects to a single MCP server and provides typed access to
// the MCP protocol operations over any Transport. It correlates
// responses to requests by id, so many calls may be in flight at once
// and responses may arrive in any order.
type Client struct {
	name        string
	transport   Transport
	logger      *slog.Logger
	callTimeout time.Duration
	nextID      atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan callResult

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.RWMutex
	serverInfo ServerInfo
	tools      []ToolDefinition
}

// NewClient creates an MCP client for the given server. The transport
// determines how messages are delivered.
func NewClient(name string, transport Transport, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:        name,
		transport:   transport,
		logger:      logger.With("mcp_server", name),
		callTimeout: DefaultCallTimeout,
		pending:     make(map[int64]chan callResult),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns what the server reported during initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Done is closed once the underlying transport has terminated.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Connect starts the transport and performs the MCP handshake. Any
// failure is reported as a *TransportInitError, except an
// *UnsupportedPlatformError which is returned as is.
func (c *Client) Connect(ctx context.Context) error {
	err := c.transport.Start(ctx, Handler{
		OnMessage: c.handleMessage,
		OnError:   c.handleError,
		OnClose:   c.handleClose,
	})
	if err != nil {
		var upe *UnsupportedPlatformError
		if errors.As(err, &upe) {
			return err
		}
		return &TransportInitError{Transport: c.name, Err: err}
	}

	if err := c.Initialize(ctx); err != nil {
		_ = c.transport.Close()
		return &TransportInitError{Transport: c.name, Err: err}
	}
	return nil
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.ClientName,
			"version": buildinfo.Version,
		},
	}

	var result initializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	info := result.ServerInfo
	info.ProtocolVersion = result.ProtocolVersion
	c.mu.Lock()
	c.serverInfo = info
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", info.Name,
		"server_version", info.Version,
		"protocol_version", info.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake.
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ListTools calls tools/list and returns the available tool definitions.
// Results are cached until the server announces the list changed.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	tools := []ToolDefinition{}
	cursor := ""
	for range maxPages {
		var page toolsListResult
		if err := c.call(ctx, "tools/list", cursorParams(cursor), &page); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool by name with the given arguments. A tool that
// runs but reports failure comes back as a result with IsError set, not
// as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	var result CallToolResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return &result, nil
}

// ListPrompts calls prompts/list. Servers without prompt support yield
// an empty list.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	prompts := []Prompt{}
	cursor := ""
	for range maxPages {
		var page promptsListResult
		if err := c.call(ctx, "prompts/list", cursorParams(cursor), &page); err != nil {
			if IsMethodNotFound(err) {
				return []Prompt{}, nil
			}
			return nil, fmt.Errorf("prompts/list: %w", err)
		}
		prompts = append(prompts, page.Prompts...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return prompts, nil
}

// ListResources calls resources/list. Servers without resource support
// yield an empty list.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	resources := []Resource{}
	cursor := ""
	for range maxPages {
		var page resourcesListResult
		if err := c.call(ctx, "resources/list", cursorParams(cursor), &page); err != nil {
			if IsMethodNotFound(err) {
				return []Resource{}, nil
			}
			return nil, fmt.Errorf("resources/list: %w", err)
		}
		resources = append(resources, page.Resources...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return resources, nil
}

// Ping checks whether the MCP server is responsive. Used by the
// connection manager for reuse checks and by connwatch for health
// monitoring.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// Close shuts down the transport and fails every pending call.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	err := c.transport.Close()
	c.shutdown()
	return err
}

func cursorParams(cursor string) any {
	if cursor == "" {
		return nil
	}
	return map[string]any{"cursor": cursor}
}

// call issues a request and waits for its response, decoding the result
// into out when out is non-nil. A server JSON-RPC error is returned as
// *RPCError.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	id := c.nextID.Add(1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer c.forget(id)

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.transport.Send(callCtx, req); err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return &CallTimeoutError{Method: method, Timeout: c.callTimeout}
		}
		return err
	}

	var res callResult
	select {
	case res = <-ch:
	case <-c.done:
		// A response may have raced with the close.
		select {
		case res = <-ch:
		default:
			return ErrConnectionClosed
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("MCP call timed out", "method", method, "timeout", c.callTimeout)
		return &CallTimeoutError{Method: method, Timeout: c.callTimeout}
	}

	if res.err != nil {
		return res.err
	}
	if res.msg.Error != nil {
		return res.msg.Error
	}
	if out == nil || len(res.msg.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.msg.Result, out); err != nil {
		return &SerializationError{ID: res.msg.ID, Payload: truncate(string(res.msg.Result), maxPayloadInError), Err: err}
	}
	return nil
}

// notify sends a one-way notification.
func (c *Client) notify(ctx context.Context, method string) error {
	msg, err := NewNotification(method, nil)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.transport.Send(sendCtx, msg)
}

func (c *Client) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// resolve hands a result to the pending call with the given id. It
// reports false when no call is waiting for it.
func (c *Client) resolve(id int64, res callResult) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

func (c *Client) handleMessage(m *Message) {
	switch {
	case m.IsResponse():
		id, ok := m.IntID()
		if !ok || !c.resolve(id, callResult{msg: m}) {
			c.logger.Debug("dropping response for unknown request", "id", string(m.ID))
		}

	case m.IsRequest():
		// Answer off the delivery goroutine so a slow Send cannot stall
		// inbound traffic.
		go c.answer(m)

	case m.IsNotification():
		switch m.Method {
		case "notifications/tools/list_changed":
			c.mu.Lock()
			c.tools = nil
			c.mu.Unlock()
			c.logger.Debug("tool list changed, cache cleared")
		default:
			c.logger.Log(context.Background(), config.LevelTrace, "ignoring notification", "method", m.Method)
		}
	}
}

// answer responds to a server-initiated request. Only ping is supported.
func (c *Client) answer(m *Message) {
	var resp *Message
	if m.Method == "ping" {
		var err error
		resp, err = newResult(m.ID, struct{}{})
		if err != nil {
			return
		}
	} else {
		resp = newErrorResponse(m.ID, CodeMethodNotFound, "method not supported by client: "+m.Method)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()
	if err := c.transport.Send(ctx, resp); err != nil {
		c.logger.Debug("failed to answer server request", "method", m.Method, "error", err)
	}
}

func (c *Client) handleError(err error) {
	var se *SerializationError
	if errors.As(err, &se) && len(se.ID) > 0 {
		if id, ok := parseID(se.ID); ok && c.resolve(id, callResult{err: err}) {
			return
		}
	}
	c.logger.Warn("MCP transport error", "error", err)
}

func (c *Client) handleClose() {
	c.logger.Debug("MCP transport closed")
	c.shutdown()
}

// shutdown marks the client done and fails every pending call.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[int64]chan callResult)
		c.pendingMu.Unlock()

		for _, ch := range pending {
			ch <- callResult{err: ErrConnectionClosed}
		}
	})
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "audio":
			parts = append(parts, "[audio]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
