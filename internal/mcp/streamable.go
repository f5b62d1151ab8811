package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/nugget/toolhost/internal/httpkit"
)

// sessionDeleteTimeout bounds the best-effort session teardown on Close.
const sessionDeleteTimeout = 2 * time.Second

// StreamableConfig configures the streamable HTTP transport.
type StreamableConfig struct {
	// URL is the single MCP endpoint (usually ending in /mcp).
	URL string

	// Headers are sent with every request. Ignored when HTTPClient is set.
	Headers map[string]string

	// HTTPClient overrides the default httpkit client.
	HTTPClient *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StreamableTransport speaks the streamable HTTP transport: every
// message is a POST to one endpoint, and the reply comes back either as
// a JSON body or as an SSE stream on that POST's response.
type StreamableTransport struct {
	config StreamableConfig
	logger *slog.Logger
	client *http.Client
	d      *dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	sessionID string
}

// NewStreamableTransport creates a streamable HTTP transport.
func NewStreamableTransport(cfg StreamableConfig) *StreamableTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		// Tool calls may stream for a long time; calls are bounded by
		// their contexts instead.
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithRetry(dialRetries, dialRetryDelay),
			httpkit.WithLogger(logger),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &StreamableTransport{
		config: cfg,
		logger: logger,
		client: client,
		d:      newDispatcher(logger),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start validates the endpoint and installs the handler. The session
// itself is created by the server on the first POST (initialize).
func (t *StreamableTransport) Start(_ context.Context, h Handler) error {
	u, err := url.Parse(t.config.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("streamable-http: invalid URL %q", t.config.URL)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("mcp: streamable-http transport already started")
	}
	if t.closed {
		return ErrConnectionClosed
	}
	t.started = true
	t.d.bind(h)
	return nil
}

// SessionID returns the server-assigned session id, if any.
func (t *StreamableTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Send POSTs msg. Responses carried in the reply are delivered through
// the handler: JSON bodies before Send returns, SSE bodies from a
// background reader that outlives Send.
func (t *StreamableTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	started, closed, session := t.started, t.closed, t.sessionID
	t.mu.Unlock()
	if !started {
		return errNotStarted
	}
	if closed {
		return ErrConnectionClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	// The request lives on the transport context so an event stream can
	// keep flowing after Send returns. Until then, the caller's context
	// can abort it.
	reqCtx, reqCancel := context.WithCancel(t.ctx)
	stop := context.AfterFunc(ctx, reqCancel)
	release := func() {
		stop()
		reqCancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.config.URL, bytes.NewReader(data))
	if err != nil {
		release()
		return fmt.Errorf("streamable-http: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(protocolVersionHeader, ProtocolVersion)
	if session != "" {
		req.Header.Set(sessionIDHeader, session)
	}

	traceSend(t.logger, msg)
	resp, err := t.client.Do(req)
	if err != nil {
		release()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t.isClosed() {
			return ErrConnectionClosed
		}
		return fmt.Errorf("streamable-http: POST %s: %w", t.config.URL, err)
	}

	if id := resp.Header.Get(sessionIDHeader); id != "" {
		t.setSession(id)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		httpkit.DrainAndClose(resp.Body, 64*1024)
		release()
		return nil

	case resp.StatusCode == http.StatusNotFound && session != "":
		// The server forgot our session. The next initialize starts a
		// new one.
		httpkit.DrainAndClose(resp.Body, 64*1024)
		release()
		t.clearSession(session)
		return fmt.Errorf("streamable-http: session %s expired", session)

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		release()
		return fmt.Errorf("streamable-http: POST %s returned %d: %s", t.config.URL, resp.StatusCode, body)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		// Hand the stream to the transport lifetime.
		stop()
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			resp.Body.Close()
			reqCancel()
			return ErrConnectionClosed
		}
		t.wg.Add(1)
		t.mu.Unlock()
		go func() {
			defer t.wg.Done()
			defer reqCancel()
			defer resp.Body.Close()
			t.readStream(resp.Body)
		}()
		return nil

	case "application/json", "":
		defer release()
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("streamable-http: read response: %w", err)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		msgs, errs := decodeBatch(body)
		for _, err := range errs {
			t.d.error(err)
		}
		for _, m := range msgs {
			t.d.message(m)
		}
		return nil

	default:
		httpkit.DrainAndClose(resp.Body, 64*1024)
		release()
		return fmt.Errorf("streamable-http: unexpected content type %q", mediaType)
	}
}

// readStream delivers every message event on a POST response stream.
func (t *StreamableTransport) readStream(body io.Reader) {
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxEventBytes}) {
		if err != nil {
			if !errors.Is(err, context.Canceled) && !t.isClosed() {
				t.d.error(fmt.Errorf("streamable-http: read stream: %w", err))
			}
			return
		}
		if ev.Type != "" && ev.Type != "message" {
			continue
		}
		if len(bytes.TrimSpace([]byte(ev.Data))) == 0 {
			continue
		}
		msgs, errs := decodeBatch([]byte(ev.Data))
		for _, err := range errs {
			t.d.error(err)
		}
		for _, m := range msgs {
			t.d.message(m)
		}
	}
}

func (t *StreamableTransport) setSession(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID != id {
		t.logger.Debug("streamable-http session established", "session", id)
	}
	t.sessionID = id
}

func (t *StreamableTransport) clearSession(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID == id {
		t.sessionID = ""
	}
}

// Close ends the session (best effort), aborts open streams, and
// reports the channel closed.
func (t *StreamableTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	session := t.sessionID
	t.mu.Unlock()

	if session != "" {
		t.deleteSession(session)
	}

	t.cancel()
	t.wg.Wait()
	t.d.close()
	return nil
}

// deleteSession tells the server we are done with the session.
func (t *StreamableTransport) deleteSession(session string) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionDeleteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.config.URL, nil)
	if err != nil {
		return
	}
	req.Header.Set(sessionIDHeader, session)
	req.Header.Set(protocolVersionHeader, ProtocolVersion)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("session delete failed", "session", session, "error", err)
		return
	}
	httpkit.DrainAndClose(resp.Body, 4096)
}

func (t *StreamableTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
