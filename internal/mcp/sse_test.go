package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/tmaxmax/go-sse"
)

func TestSSETransport_MCPGoServer(t *testing.T) {
	ts := server.NewTestServer(newTestServer())
	defer ts.Close()

	tr := NewSSETransport(SSEConfig{URL: ts.URL + "/sse"})
	c := NewClient("sse", tr, nil, WithCallTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	res, err := c.CallTool(ctx, "echo", map[string]any{"text": "via sse"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Text() != "via sse" {
		t.Errorf("CallTool text = %q, want %q", res.Text(), "via sse")
	}
}

// fakeSSEServer is a minimal HTTP+SSE MCP server whose endpoint
// announcement and stream lifetime are controlled by the test.
type fakeSSEServer struct {
	t *testing.T

	// announce writes the endpoint announcement on a new stream.
	announce func(sess *sse.Session) error

	mu       sync.Mutex
	streams  int
	refuse   bool
	out      chan string
	drop     chan struct{}
	lastPost http.Header
}

func newFakeSSEServer(t *testing.T, announce func(*sse.Session) error) (*fakeSSEServer, *httptest.Server) {
	f := &fakeSSEServer{
		t:        t,
		announce: announce,
		out:      make(chan string, 16),
		drop:     make(chan struct{}, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", f.handleStream)
	mux.HandleFunc("POST /messages", f.handlePost)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return f, ts
}

func typedEndpoint(path string) func(*sse.Session) error {
	return func(sess *sse.Session) error {
		msg := &sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData(path)
		return sess.Send(msg)
	}
}

func bareEndpoint(path string) func(*sse.Session) error {
	return func(sess *sse.Session) error {
		msg := &sse.Message{}
		msg.AppendData(path)
		return sess.Send(msg)
	}
}

func (f *fakeSSEServer) handleStream(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.streams++
	refuse := f.refuse
	f.mu.Unlock()
	if refuse {
		http.Error(w, "go away", http.StatusServiceUnavailable)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return
	}
	if f.announce != nil {
		if err := f.announce(sess); err != nil {
			return
		}
	}
	if err := sess.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-f.drop:
			return
		case data := <-f.out:
			msg := &sse.Message{Type: sse.Type("message")}
			msg.AppendData(data)
			if err := sess.Send(msg); err != nil {
				return
			}
			if err := sess.Flush(); err != nil {
				return
			}
		}
	}
}

func (f *fakeSSEServer) handlePost(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.lastPost = r.Header.Clone()
	f.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)

	if !m.IsRequest() {
		return
	}
	var result any = struct{}{}
	if m.Method == "initialize" {
		result = map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]any{"name": "fake-sse", "version": "0"},
			"capabilities":    map[string]any{},
		}
	}
	resp, _ := newResult(m.ID, result)
	data, _ := json.Marshal(resp)
	f.out <- string(data)
}

func (f *fakeSSEServer) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams
}

func TestSSETransport_TypedEndpoint(t *testing.T) {
	f, ts := newFakeSSEServer(t, typedEndpoint("/messages?session=1"))

	tr := NewSSETransport(SSEConfig{
		URL:     ts.URL + "/sse",
		Headers: map[string]string{"Authorization": "Bearer secret"},
	})
	c := NewClient("fake-sse", tr, nil, WithCallTimeout(5*time.Second))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if got := c.ServerInfo().Name; got != "fake-sse" {
		t.Errorf("server name = %q, want fake-sse", got)
	}

	f.mu.Lock()
	h := f.lastPost
	f.mu.Unlock()
	if got := h.Get("Mcp-Protocol-Version"); got != ProtocolVersion {
		t.Errorf("protocol version header = %q, want %q", got, ProtocolVersion)
	}
	if got := h.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q, want static header", got)
	}
}

func TestSSETransport_BareEndpointHeuristic(t *testing.T) {
	_, ts := newFakeSSEServer(t, bareEndpoint("/messages?session=2"))

	tr := NewSSETransport(SSEConfig{URL: ts.URL + "/sse"})
	c := NewClient("fake-sse", tr, nil, WithCallTimeout(5*time.Second))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect with bare endpoint frame: %v", err)
	}
	defer c.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestSSETransport_EndpointTimeout(t *testing.T) {
	_, ts := newFakeSSEServer(t, nil)

	tr := NewSSETransport(SSEConfig{URL: ts.URL + "/sse", EndpointTimeout: 50 * time.Millisecond})
	if err := tr.Start(context.Background(), Handler{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()

	m, _ := NewRequest(1, "ping", nil)
	start := time.Now()
	err := tr.Send(context.Background(), m)
	if err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Fatalf("Send() = %v, want endpoint timeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Send waited far longer than EndpointTimeout")
	}
}

func TestSSETransport_RejectsCrossOriginEndpoint(t *testing.T) {
	_, ts := newFakeSSEServer(t, typedEndpoint("http://elsewhere.invalid/messages"))

	tr := NewSSETransport(SSEConfig{URL: ts.URL + "/sse", EndpointTimeout: 100 * time.Millisecond})
	if err := tr.Start(context.Background(), Handler{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()

	m, _ := NewRequest(1, "ping", nil)
	if err := tr.Send(context.Background(), m); err == nil {
		t.Fatal("Send() to cross-origin endpoint succeeded")
	}
}

func TestSSETransport_StartFailure(t *testing.T) {
	f, ts := newFakeSSEServer(t, nil)
	f.refuse = true

	tr := NewSSETransport(SSEConfig{URL: ts.URL + "/sse"})
	if err := tr.Start(context.Background(), Handler{}); err == nil {
		t.Fatal("Start() against refusing server succeeded")
	}
}

func TestSSETransport_ReconnectsOnce(t *testing.T) {
	f, ts := newFakeSSEServer(t, typedEndpoint("/messages"))

	tr := NewSSETransport(SSEConfig{URL: ts.URL + "/sse", ReconnectDelay: 10 * time.Millisecond})
	c := NewClient("fake-sse", tr, nil, WithCallTimeout(5*time.Second))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	f.drop <- struct{}{}
	waitFor(t, 2*time.Second, func() bool { return f.streamCount() == 2 })

	// The new stream announces the endpoint again, and traffic resumes.
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping after reconnect: %v", err)
	}
	select {
	case <-c.Done():
		t.Fatal("client closed after a successful reconnect")
	default:
	}

	// When the reconnect itself fails, the transport gives up.
	f.mu.Lock()
	f.refuse = true
	f.mu.Unlock()
	f.drop <- struct{}{}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed after failed reconnect")
	}
	if n := f.streamCount(); n != 3 {
		t.Errorf("stream attempts = %d, want 3", n)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Ping after give-up = %v, want ErrConnectionClosed", err)
	}
}

func TestLooksLikeEndpoint(t *testing.T) {
	tests := []struct {
		data string
		want bool
	}{
		{"/messages?sessionId=abc", true},
		{"https://example.com/messages", true},
		{"http://localhost:3000/m", true},
		{`{"jsonrpc":"2.0"}`, false},
		{"hello world", false},
		{"ftp://example.com/x", false},
	}
	for _, tt := range tests {
		if got := looksLikeEndpoint(tt.data); got != tt.want {
			t.Errorf("looksLikeEndpoint(%q) = %v, want %v", tt.data, got, tt.want)
		}
	}
}
