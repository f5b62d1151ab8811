package mcp

import (
	"bytes"
	"context"
	"errors"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLineBuffer_PartialLineAcrossReads(t *testing.T) {
	var b lineBuffer

	lines, overflow := b.feed([]byte(`{"a":1}` + "\n" + `{"b"`))
	if overflow != 0 {
		t.Fatalf("overflow = %d, want 0", overflow)
	}
	if len(lines) != 1 || string(lines[0]) != `{"a":1}` {
		t.Fatalf("first feed = %q, want [{\"a\":1}]", lines)
	}
	if b.pending() != len(`{"b"`) {
		t.Errorf("pending() = %d, want %d", b.pending(), len(`{"b"`))
	}

	lines, _ = b.feed([]byte(`:2}` + "\n"))
	if len(lines) != 1 || string(lines[0]) != `{"b":2}` {
		t.Fatalf("second feed = %q, want [{\"b\":2}]", lines)
	}
	if b.pending() != 0 {
		t.Errorf("pending() = %d after complete line, want 0", b.pending())
	}
}

func TestLineBuffer_ByteAtATime(t *testing.T) {
	input := "{\"x\":1}\r\n\n  \n{\"y\":2}\n{\"z\":"
	var (
		b   lineBuffer
		got []string
	)
	for i := range len(input) {
		lines, _ := b.feed([]byte{input[i]})
		for _, l := range lines {
			got = append(got, string(l))
		}
	}
	want := []string{`{"x":1}`, `{"y":2}`}
	if !slices.Equal(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
	if b.pending() != len(`{"z":`) {
		t.Errorf("pending() = %d, want %d", b.pending(), len(`{"z":`))
	}
}

func TestLineBuffer_LinesDoNotAlias(t *testing.T) {
	var b lineBuffer
	lines, _ := b.feed([]byte("abc\ndef"))
	b.feed([]byte("XYZ\n"))
	if string(lines[0]) != "abc" {
		t.Errorf("earlier line mutated to %q", lines[0])
	}
}

func TestLineBuffer_Overflow(t *testing.T) {
	var b lineBuffer
	chunk := bytes.Repeat([]byte("x"), maxLineBytes+1)
	lines, overflow := b.feed(chunk)
	if len(lines) != 0 {
		t.Errorf("got %d lines, want 0", len(lines))
	}
	if overflow != maxLineBytes+1 {
		t.Errorf("overflow = %d, want %d", overflow, maxLineBytes+1)
	}
	if b.pending() != 0 {
		t.Errorf("pending() = %d after overflow, want 0", b.pending())
	}

	lines, _ = b.feed([]byte("ok\n"))
	if len(lines) != 1 || string(lines[0]) != "ok" {
		t.Errorf("buffer unusable after overflow: %q", lines)
	}
}

// recorder collects everything a transport reports.
type recorder struct {
	mu     sync.Mutex
	msgs   []*Message
	errs   []error
	closes int
}

func (r *recorder) handler() Handler {
	return Handler{
		OnMessage: func(m *Message) {
			r.mu.Lock()
			r.msgs = append(r.msgs, m)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnClose: func() {
			r.mu.Lock()
			r.closes++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) messageIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, m := range r.msgs {
		ids = append(ids, string(m.ID))
	}
	return ids
}

func (r *recorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func TestStdioTransport_HandleStdoutSplitFrames(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "unused"})
	var rec recorder
	tr.d.bind(rec.handler())

	tr.handleStdout([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}` + "\n" + `{"jsonrpc":"2.0","id"`))
	if ids := rec.messageIDs(); len(ids) != 1 {
		t.Fatalf("after first chunk got %d messages, want 1", len(ids))
	}

	tr.handleStdout([]byte(`:2,"result":{}}` + "\n"))
	ids := rec.messageIDs()
	if !slices.Equal(ids, []string{"1", "2"}) {
		t.Fatalf("message ids = %v, want [1 2]", ids)
	}
	if len(rec.errs) != 0 {
		t.Errorf("unexpected errors: %v", rec.errs)
	}
}

func TestStdioTransport_MalformedLineReported(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "unused"})
	var rec recorder
	tr.d.bind(rec.handler())

	tr.handleStdout([]byte("server starting...\n" + `{"jsonrpc":"2.0","id":3,"result":{}}` + "\n"))

	if ids := rec.messageIDs(); !slices.Equal(ids, []string{"3"}) {
		t.Errorf("message ids = %v, want [3]", ids)
	}
	if len(rec.errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(rec.errs))
	}
	var se *SerializationError
	if !errors.As(rec.errs[0], &se) {
		t.Errorf("error = %v, want *SerializationError", rec.errs[0])
	}
}

func TestStdioTransport_UnsupportedPlatform(t *testing.T) {
	orig := spawnSupported
	spawnSupported = func() bool { return false }
	t.Cleanup(func() { spawnSupported = orig })

	tr := NewStdioTransport(StdioConfig{Command: "anything"})
	err := tr.Start(context.Background(), Handler{})
	var upe *UnsupportedPlatformError
	if !errors.As(err, &upe) {
		t.Fatalf("Start() = %v, want *UnsupportedPlatformError", err)
	}
	if upe.GOOS != runtime.GOOS {
		t.Errorf("GOOS = %q, want %q", upe.GOOS, runtime.GOOS)
	}
}

func TestStdioTransport_SpawnFailure(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "/nonexistent/toolhost-test-binary"})
	if err := tr.Start(context.Background(), Handler{}); err == nil {
		t.Fatal("Start() with missing binary succeeded")
	}
}

func TestStdioTransport_SendBeforeStart(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "cat"})
	msg, _ := NewNotification("ping", nil)
	if err := tr.Send(context.Background(), msg); !errors.Is(err, errNotStarted) {
		t.Errorf("Send() = %v, want errNotStarted", err)
	}
}

func helperStdioConfig(t *testing.T) StdioConfig {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return StdioConfig{
		Command: exe,
		Env:     map[string]string{stdioHelperEnv: "1"},
	}
}

func TestStdioTransport_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}

	tr := NewStdioTransport(helperStdioConfig(t))
	c := NewClient("helper", tr, nil, WithCallTimeout(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.ServerInfo().Name; got != "test-server" {
		t.Errorf("server name = %q, want test-server", got)
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if !slices.Contains(names, "echo") {
		t.Errorf("tools = %v, want echo", names)
	}

	res, err := c.CallTool(ctx, "echo", map[string]any{"text": "over stdio"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Text() != "over stdio" {
		t.Errorf("CallTool text = %q, want %q", res.Text(), "over stdio")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("client not done after Close")
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStdioTransport_ProcessExitCloses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	tr := NewStdioTransport(StdioConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", `echo '{"jsonrpc":"2.0","method":"notifications/message"}'; exit 3`},
	})
	var rec recorder
	if err := tr.Start(context.Background(), rec.handler()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return rec.closeCount() == 1 })

	rec.mu.Lock()
	msgs, errs := len(rec.msgs), rec.errs
	rec.mu.Unlock()
	if msgs != 1 {
		t.Errorf("got %d messages, want 1", msgs)
	}
	if len(errs) == 0 || !strings.Contains(errs[len(errs)-1].Error(), "exit") {
		t.Errorf("errors = %v, want subprocess exit error", errs)
	}

	msg, _ := NewNotification("ping", nil)
	if err := tr.Send(context.Background(), msg); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after exit = %v, want ErrConnectionClosed", err)
	}
	tr.Close()
	if rec.closeCount() != 1 {
		t.Errorf("OnClose called %d times, want 1", rec.closeCount())
	}
}

// stuckServer answers initialize, then stops reading stdin.
const stuckServer = `read line
echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-03-26","capabilities":{"tools":{}},"serverInfo":{"name":"stuck","version":"0"}}}'
read line
exec sleep 60`

func TestStdioTransport_BlockedWriteHonorsContext(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	defer func(d time.Duration) { stopGrace = d }(stopGrace)
	stopGrace = 100 * time.Millisecond

	tr := NewStdioTransport(StdioConfig{Command: "/bin/sh", Args: []string{"-c", "exec sleep 60"}})
	var rec recorder
	if err := tr.Start(context.Background(), rec.handler()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()

	// Larger than any pipe buffer, and nobody reads it.
	msg, err := NewRequest(1, "tools/call", map[string]any{"blob": strings.Repeat("x", 1<<20)})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = tr.Send(ctx, msg)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send returned after %v, want about 200ms", elapsed)
	}

	waitFor(t, 5*time.Second, func() bool { return rec.closeCount() == 1 })
	ping, _ := NewNotification("ping", nil)
	if err := tr.Send(context.Background(), ping); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after abandoned write = %v, want ErrConnectionClosed", err)
	}
}

func TestClient_StuckStdinTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	defer func(d time.Duration) { stopGrace = d }(stopGrace)
	stopGrace = 100 * time.Millisecond

	tr := NewStdioTransport(StdioConfig{Command: "/bin/sh", Args: []string{"-c", stuckServer}})
	c := NewClient("stuck", tr, nil, WithCallTimeout(200*time.Millisecond))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	start := time.Now()
	_, err := c.CallTool(context.Background(), "echo", map[string]any{"text": strings.Repeat("x", 1<<20)})
	var cte *CallTimeoutError
	if !errors.As(err, &cte) {
		t.Fatalf("CallTool = %v, want *CallTimeoutError", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("CallTool returned after %v, want about 200ms", elapsed)
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client still open after an abandoned write")
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "HOME=/root"}
	got := mergeEnv(base, map[string]string{"B": "2", "A": "1", "HOME": "/tmp"})
	want := []string{"PATH=/bin", "HOME=/root", "A=1", "B=2", "HOME=/tmp"}
	if !slices.Equal(got, want) {
		t.Errorf("mergeEnv() = %v, want %v", got, want)
	}
	if got := mergeEnv(base, nil); !slices.Equal(got, base) {
		t.Errorf("mergeEnv(nil) = %v, want %v", got, base)
	}
}
