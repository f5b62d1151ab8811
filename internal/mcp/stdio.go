package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"time"
)

// maxLineBytes bounds a single stdout line. A server that streams more
// than this without a newline is broken; the fragment is discarded.
const maxLineBytes = 16 << 20

// stopGrace is how long Close waits for the subprocess to exit after
// stdin is closed before killing it.
var stopGrace = 5 * time.Second

// spawnSupported reports whether this host can run subprocesses.
// A variable so tests can simulate a restricted platform.
var spawnSupported = func() bool {
	switch runtime.GOOS {
	case "js", "wasip1", "ios":
		return false
	}
	return true
}

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env holds additional environment variables for the subprocess.
	// They are appended to the current process environment and win
	// over inherited values.
	Env map[string]string

	// Dir is the working directory. Empty means the current one.
	Dir string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. The subprocess lifecycle is independent of call contexts:
// it survives individual request timeouts and ends only on Close or when
// the process exits by itself.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	d      *dispatcher
	lines  lineBuffer

	writeSem chan struct{} // serializes stdin writes

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	closing bool
	exited  chan struct{}
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:   cfg,
		logger:   logger,
		d:        newDispatcher(logger),
		writeSem: make(chan struct{}, 1),
		exited:   make(chan struct{}),
	}
}

// Start launches the subprocess and begins reading its stdout.
func (t *StdioTransport) Start(_ context.Context, h Handler) error {
	if !spawnSupported() {
		return &UnsupportedPlatformError{Transport: "stdio", GOOS: runtime.GOOS}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errors.New("mcp: stdio transport already started")
	}
	if t.closing {
		return ErrConnectionClosed
	}
	if t.config.Command == "" {
		return errors.New("mcp: stdio transport requires a command")
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = mergeEnv(os.Environ(), t.config.Env)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging; it is not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true
	t.d.bind(h)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		t.drainStderr(stderrPipe)
	}()
	go func() {
		defer readers.Done()
		t.readStdout(stdout)
	}()
	go t.wait(cmd, &readers)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readStdout feeds raw stdout reads through the line buffer.
func (t *StdioTransport) readStdout(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.handleStdout(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !t.isClosing() {
				t.d.error(fmt.Errorf("read from subprocess stdout: %w", err))
			}
			if rest := t.lines.pending(); rest > 0 {
				t.logger.Debug("discarding unterminated stdout fragment", "bytes", rest)
			}
			return
		}
	}
}

// handleStdout processes one chunk of stdout. Only complete lines are
// parsed; a trailing fragment waits for the next chunk.
func (t *StdioTransport) handleStdout(chunk []byte) {
	lines, overflow := t.lines.feed(chunk)
	if overflow > 0 {
		t.d.error(newSerializationError(nil, fmt.Errorf("stdout line exceeded %d bytes, %d bytes discarded", maxLineBytes, overflow)))
	}
	for _, line := range lines {
		msg, err := decodeMessage(line)
		if err != nil {
			t.logger.Debug("skipping malformed line from MCP subprocess",
				"line", truncate(string(line), 200),
			)
			t.d.error(err)
			continue
		}
		t.d.message(msg)
	}
}

// wait reaps the subprocess once its output pipes are drained, then
// reports the channel closed.
func (t *StdioTransport) wait(cmd *exec.Cmd, readers *sync.WaitGroup) {
	readers.Wait()
	err := cmd.Wait()
	close(t.exited)

	if !t.isClosing() {
		if err != nil {
			t.d.error(fmt.Errorf("subprocess exited: %w", err))
		}
		t.logger.Info("MCP subprocess exited", "pid", cmd.Process.Pid, "error", err)
	}
	t.d.close()
}

// Send writes one newline-terminated envelope to the subprocess stdin.
// A write still blocked when ctx ends leaves a partial line on the pipe,
// so the transport is closed and ctx's error returned.
func (t *StdioTransport) Send(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.mu.Lock()
	started, closing, stdin := t.started, t.closing, t.stdin
	t.mu.Unlock()

	if !started {
		return errNotStarted
	}
	if closing {
		return ErrConnectionClosed
	}
	select {
	case <-t.exited:
		return ErrConnectionClosed
	default:
	}

	select {
	case t.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.exited:
		return ErrConnectionClosed
	}

	traceSend(t.logger, msg)

	done := make(chan error, 1)
	go func() {
		defer func() { <-t.writeSem }()
		_, err := stdin.Write(append(data, '\n'))
		done <- err
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		default:
			t.logger.Warn("MCP subprocess is not reading stdin, closing",
				"command", t.config.Command,
				"error", ctx.Err(),
			)
			go t.Close()
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Close terminates the subprocess: stdin is closed to signal it to
// exit, and it is killed if it has not exited within stopGrace.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	cmd, stdin, started := t.cmd, t.stdin, t.started
	t.mu.Unlock()

	if !started {
		t.d.close()
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)
	stdin.Close()

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-t.exited:
	case <-timer.C:
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-t.exited
	}
	return nil
}

func (t *StdioTransport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

// lineBuffer splits a byte stream into newline-terminated lines,
// retaining an incomplete trailing fragment across calls. It is used by
// a single reader goroutine and is not safe for concurrent use.
type lineBuffer struct {
	buf []byte
}

// feed appends chunk and returns every complete, non-blank line with
// surrounding whitespace (including a CR before the LF) trimmed. If the
// retained fragment grows past maxLineBytes it is dropped and its size
// returned as overflow.
func (b *lineBuffer) feed(chunk []byte) (lines [][]byte, overflow int) {
	b.buf = append(b.buf, chunk...)
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(b.buf[:i])
		b.buf = b.buf[i+1:]
		if len(line) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
	}

	switch {
	case len(b.buf) > maxLineBytes:
		overflow = len(b.buf)
		b.buf = nil
	case len(b.buf) == 0:
		b.buf = nil
	}
	return lines, overflow
}

// pending returns the size of the retained fragment.
func (b *lineBuffer) pending() int {
	return len(b.buf)
}

// mergeEnv appends extra to base in sorted key order. exec uses the
// last value for duplicate keys, so extra wins.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
