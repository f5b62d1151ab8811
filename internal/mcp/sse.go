package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/nugget/toolhost/internal/httpkit"
)

// Defaults for SSEConfig zero values.
const (
	DefaultEndpointTimeout = 5 * time.Second
	DefaultReconnectDelay  = 3 * time.Second
)

// maxEventBytes bounds a single SSE event. Tool results can be large.
const maxEventBytes = 16 << 20

// SSEConfig configures the legacy HTTP+SSE transport.
type SSEConfig struct {
	// URL is the event stream endpoint (usually ending in /sse).
	URL string

	// Headers are sent with every request (e.g., Authorization). They
	// are ignored when HTTPClient is set; build that client with
	// httpkit.WithHeaders instead.
	Headers map[string]string

	// HTTPClient overrides the default httpkit client.
	HTTPClient *http.Client

	// EndpointTimeout bounds how long Send waits for the server to
	// announce its message endpoint (default: 5s).
	EndpointTimeout time.Duration

	// ReconnectDelay is the pause before the single reconnect attempt
	// after the stream drops (default: 3s).
	ReconnectDelay time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// SSETransport speaks the HTTP+SSE transport: server messages arrive as
// events on a long-lived GET stream, and client messages are POSTed to
// an endpoint the server announces as the first event on that stream.
type SSETransport struct {
	config SSEConfig
	logger *slog.Logger
	client *http.Client
	d      *dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	base          *url.URL
	started       bool
	closed        bool
	endpoint      string
	endpointReady chan struct{}
}

// NewSSETransport creates an SSE transport for the given config. No
// connection is made until Start.
func NewSSETransport(cfg SSEConfig) *SSETransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EndpointTimeout <= 0 {
		cfg.EndpointTimeout = DefaultEndpointTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	client := cfg.HTTPClient
	if client == nil {
		// The stream lives as long as the connection, so no overall timeout.
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithRetry(dialRetries, dialRetryDelay),
			httpkit.WithLogger(logger),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SSETransport{
		config:        cfg,
		logger:        logger,
		client:        client,
		d:             newDispatcher(logger),
		ctx:           ctx,
		cancel:        cancel,
		endpointReady: make(chan struct{}),
	}
}

// Start opens the event stream. It returns once the server has accepted
// the GET; the message endpoint may arrive later, and Send waits for it.
func (t *SSETransport) Start(ctx context.Context, h Handler) error {
	base, err := url.Parse(t.config.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("sse: invalid URL %q", t.config.URL)
	}

	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("mcp: sse transport already started")
	}
	if t.closed {
		t.mu.Unlock()
		return ErrConnectionClosed
	}
	t.started = true
	t.base = base
	t.mu.Unlock()

	t.d.bind(h)

	// Abandon the connect if the caller gives up, but let the stream
	// outlive ctx once it is open.
	stop := context.AfterFunc(ctx, t.cancel)
	body, err := t.connect()
	if !stop() {
		if body != nil {
			body.Close()
		}
		t.markClosed()
		return fmt.Errorf("sse: connect: %w", ctx.Err())
	}
	if err != nil {
		t.markClosed()
		return err
	}

	go t.readLoop(body)
	return nil
}

// connect issues the GET that opens the stream.
func (t *SSETransport) connect() (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("sse: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(protocolVersionHeader, ProtocolVersion)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse: GET %s: %w", t.config.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("sse: GET %s returned %d: %s", t.config.URL, resp.StatusCode, body)
	}

	t.logger.Debug("SSE stream opened", "url", t.config.URL)
	return resp.Body, nil
}

// readLoop consumes the stream. When it drops, one reconnect is tried;
// a reconnected stream that never announces an endpoint is not retried
// again. OnClose fires when the loop gives up or the transport closes.
func (t *SSETransport) readLoop(body io.ReadCloser) {
	defer t.d.close()

	reconnecting := false
	for {
		learned, err := t.consume(body)
		body.Close()

		if t.isClosed() {
			return
		}
		if learned {
			reconnecting = false
		}
		if reconnecting {
			t.logger.Warn("SSE stream dropped again after reconnect, giving up", "error", err)
			t.d.error(fmt.Errorf("sse: stream lost: %w", errOrEOF(err)))
			t.markClosed()
			return
		}

		t.logger.Warn("SSE stream dropped, reconnecting",
			"url", t.config.URL,
			"delay", t.config.ReconnectDelay,
			"error", err,
		)
		t.resetEndpoint()
		reconnecting = true

		timer := time.NewTimer(t.config.ReconnectDelay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		body, err = t.connect()
		if err != nil {
			t.d.error(&TransportInitError{Transport: "sse", Err: err})
			t.markClosed()
			return
		}
	}
}

// consume reads events until the stream ends. It reports whether an
// endpoint was learned from this stream.
func (t *SSETransport) consume(body io.Reader) (bool, error) {
	learned := false
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxEventBytes}) {
		if err != nil {
			return learned, err
		}
		if t.handleEvent(ev) {
			learned = true
		}
	}
	return learned, nil
}

// handleEvent routes one SSE event. It returns true when the event
// announced the message endpoint.
//
// The endpoint normally arrives as an "endpoint" event. Some servers send
// it as an untyped first frame instead, so while no endpoint is known a
// data frame that is not JSON and looks like a path or http(s) URL is
// accepted as the announcement. That fallback is a heuristic; a server
// whose first untyped frame is some other bare string will be
// misread.
func (t *SSETransport) handleEvent(ev sse.Event) bool {
	data := strings.TrimSpace(ev.Data)

	switch {
	case ev.Type == "endpoint":
		return t.setEndpoint(data)
	case ev.Type != "" && ev.Type != "message":
		t.logger.Debug("ignoring SSE event", "type", ev.Type)
		return false
	case data == "":
		return false
	case !t.hasEndpoint() && looksLikeEndpoint(data):
		t.logger.Debug("treating bare SSE frame as endpoint announcement", "data", data)
		return t.setEndpoint(data)
	}

	msg, err := decodeMessage([]byte(data))
	if err != nil {
		t.d.error(err)
		return false
	}
	t.d.message(msg)
	return false
}

// looksLikeEndpoint reports whether data reads as a bare path or URL
// rather than a JSON payload.
func looksLikeEndpoint(data string) bool {
	if strings.ContainsAny(data, " \t\r\n{}[]\"") {
		return false
	}
	return strings.HasPrefix(data, "/") ||
		strings.HasPrefix(data, "http://") ||
		strings.HasPrefix(data, "https://")
}

// setEndpoint resolves raw against the stream URL and wakes senders.
// Endpoints on a different origin are refused so static headers such
// as credentials never leave the configured host.
func (t *SSETransport) setEndpoint(raw string) bool {
	ref, err := url.Parse(raw)
	if err != nil || raw == "" {
		t.d.error(fmt.Errorf("sse: bad endpoint announcement %q", raw))
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	resolved := t.base.ResolveReference(ref)
	if resolved.Scheme != t.base.Scheme || resolved.Host != t.base.Host {
		t.logger.Warn("refusing cross-origin SSE endpoint",
			"stream", t.base.String(),
			"endpoint", resolved.String(),
		)
		return false
	}

	t.endpoint = resolved.String()
	select {
	case <-t.endpointReady:
	default:
		close(t.endpointReady)
	}
	t.logger.Debug("SSE message endpoint announced", "endpoint", t.endpoint)
	return true
}

func (t *SSETransport) hasEndpoint() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint != ""
}

// resetEndpoint forgets the endpoint; a new stream announces a new one.
func (t *SSETransport) resetEndpoint() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoint = ""
	select {
	case <-t.endpointReady:
		t.endpointReady = make(chan struct{})
	default:
	}
}

// waitEndpoint blocks until the endpoint is known, the bounded wait
// expires, or the transport closes.
func (t *SSETransport) waitEndpoint(ctx context.Context) (string, error) {
	t.mu.Lock()
	ep, ready := t.endpoint, t.endpointReady
	t.mu.Unlock()
	if ep != "" {
		return ep, nil
	}

	timer := time.NewTimer(t.config.EndpointTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.endpoint == "" {
			return "", errors.New("sse: message endpoint lost")
		}
		return t.endpoint, nil
	case <-timer.C:
		return "", fmt.Errorf("sse: server did not announce a message endpoint within %v", t.config.EndpointTimeout)
	case <-t.ctx.Done():
		return "", ErrConnectionClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send POSTs msg to the announced endpoint. The response to a request
// arrives on the stream, not in the POST body.
func (t *SSETransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	started, closed := t.started, t.closed
	t.mu.Unlock()
	if !started {
		return errNotStarted
	}
	if closed {
		return ErrConnectionClosed
	}

	endpoint, err := t.waitEndpoint(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("sse: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocolVersionHeader, ProtocolVersion)

	traceSend(t.logger, msg)
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sse: POST %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("sse: POST %s returned %d: %s", endpoint, resp.StatusCode, body)
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return nil
}

// Close cancels the stream. OnClose fires from the read loop, or
// immediately if the transport never started.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	t.mu.Unlock()

	t.cancel()
	if !started {
		t.d.close()
	}
	return nil
}

func (t *SSETransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *SSETransport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
}

func errOrEOF(err error) error {
	if err == nil {
		return io.EOF
	}
	return err
}
