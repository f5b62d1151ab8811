package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"

	"github.com/nugget/toolhost/internal/builtin"
	"github.com/nugget/toolhost/internal/connmgr"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/host"
	"github.com/nugget/toolhost/internal/invoker"
	"github.com/nugget/toolhost/internal/mcp"
	"github.com/nugget/toolhost/internal/registry"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg, err := registry.New(nil, nil)
	require.NoError(t, err)
	bus := events.New()
	conns := connmgr.New(connmgr.Config{PingOnReuse: true, Events: bus})
	inv := invoker.New(invoker.Config{
		Connector:      invoker.FromManager(conns),
		Events:         bus,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
	h := host.New(host.Config{Registry: reg, Connections: conns, Invoker: inv, Events: bus})
	t.Cleanup(h.Close)

	ts := httptest.NewServer(NewServer("", 0, h, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = do(t, ts, http.MethodGet, "/v1/version", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "version")
}

func TestBuiltinLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodGet, "/v1/builtin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["servers"], len(builtin.Catalog()))

	resp, body = do(t, ts, http.MethodPost, "/v1/builtin/echo", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "builtin-echo", body["id"])
	assert.Equal(t, true, body["isActive"])

	resp, _ = do(t, ts, http.MethodPost, "/v1/builtin/echo", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, "/v1/builtin/teleporter", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCallTool(t *testing.T) {
	ts := newTestServer(t)
	do(t, ts, http.MethodPost, "/v1/builtin/echo", nil)

	resp, body := do(t, ts, http.MethodPost, "/v1/tools/call", map[string]any{
		"serverId":  "builtin-echo",
		"tool":      "echo",
		"arguments": map[string]any{"text": "hi"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["isError"])
	content := body["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "hi", content[0].(map[string]any)["text"])

	// Failures are results, not HTTP errors.
	resp, body = do(t, ts, http.MethodPost, "/v1/tools/call", map[string]any{
		"serverId": "missing",
		"tool":     "echo",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["isError"])

	resp, _ = do(t, ts, http.MethodPost, "/v1/tools/call", map[string]any{"arguments": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, "/v1/tools/call", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAndCallBySanitizedName(t *testing.T) {
	ts := newTestServer(t)
	do(t, ts, http.MethodPost, "/v1/builtin/calculator", nil)

	resp, body := do(t, ts, http.MethodGet, "/v1/tools", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	name := tools[0].(map[string]any)["sanitizedName"].(string)

	resp, body = do(t, ts, http.MethodPost, "/v1/tools/call", map[string]any{
		"name":      name,
		"arguments": map[string]any{"operation": "add", "a": 2, "b": 3},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	content := body["content"].([]any)
	assert.Equal(t, "5", content[0].(map[string]any)["text"])
}

func TestServerCRUD(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/v1/servers", map[string]any{
		"id":      "legacy",
		"name":    "legacy",
		"type":    "httpStream",
		"baseUrl": "http://127.0.0.1:1/sse",
		"timeout": 5,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "sse", body["transportKind"])
	assert.Equal(t, "http://127.0.0.1:1/sse", body["endpoint"])
	assert.EqualValues(t, 5000, body["timeoutMs"])

	resp, body = do(t, ts, http.MethodPut, "/v1/servers/legacy", map[string]any{
		"name":          "renamed",
		"transportKind": "streamable-http",
		"endpoint":      "http://127.0.0.1:1/mcp",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "renamed", body["name"])

	resp, body = do(t, ts, http.MethodGet, "/v1/servers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["servers"], 1)

	resp, _ = do(t, ts, http.MethodDelete, "/v1/servers/legacy", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodGet, "/v1/servers/legacy", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, "/v1/servers", map[string]any{"name": "nothing"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestToggleFailureRollsBack(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := do(t, ts, http.MethodPost, "/v1/servers", map[string]any{
		"id":            "broken",
		"name":          "broken",
		"transportKind": "stdio",
		"command":       "/nonexistent/toolhost-test-server",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, "/v1/servers/broken/toggle", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, ts, http.MethodPost, "/v1/servers/broken/toggle", map[string]any{"active": true})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode, body)

	_, body = do(t, ts, http.MethodGet, "/v1/servers/broken", nil)
	assert.Equal(t, false, body["isActive"])

	resp, body = do(t, ts, http.MethodPost, "/v1/servers/broken/test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
	assert.NotEmpty(t, body["error"])
}

func TestConnectionsAndHealth(t *testing.T) {
	ts := newTestServer(t)
	do(t, ts, http.MethodPost, "/v1/builtin/time", nil)

	resp, body := do(t, ts, http.MethodPost, "/v1/servers/builtin-time/restart", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = do(t, ts, http.MethodGet, "/v1/connections", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["activeConnections"])

	resp, body = do(t, ts, http.MethodGet, "/v1/servers/builtin-time/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["healthy"])

	resp, body = do(t, ts, http.MethodGet, "/v1/servers/builtin-time/prompts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["prompts"])

	resp, body = do(t, ts, http.MethodPost, "/v1/servers/stop-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"builtin-time"}, body["stopped"])

	resp, body = do(t, ts, http.MethodPost, "/v1/servers/restore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"builtin-time"}, body["restored"])
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?source=registry", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// The subscription exists once headers are flushed.
	do(t, ts, http.MethodPost, "/v1/builtin/echo", nil)

	for ev, err := range sse.Read(resp.Body, nil) {
		require.NoError(t, err)
		assert.Equal(t, events.KindServerChanged, ev.Type)

		var got events.Event
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &got))
		assert.Equal(t, events.SourceRegistry, got.Source)
		assert.Equal(t, "builtin-echo", got.Data["server_id"])
		assert.Equal(t, "added", got.Data["action"])
		return
	}
	t.Fatal("event stream ended without an event")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", registry.ErrNotFound), http.StatusNotFound},
		{builtin.ErrUnknown, http.StatusNotFound},
		{registry.ErrExists, http.StatusConflict},
		{registry.ErrInvalidDescriptor, http.StatusBadRequest},
		{&mcp.UnsupportedPlatformError{Transport: "stdio", GOOS: "js"}, http.StatusNotImplemented},
		{&mcp.CallTimeoutError{Method: "tools/list", Timeout: time.Second}, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&mcp.TransportInitError{Transport: "x", Err: errors.New("refused")}, http.StatusBadGateway},
		{&mcp.RPCError{Code: mcp.CodeInternalError, Message: "boom"}, http.StatusBadGateway},
		{mcp.ErrConnectionClosed, http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
