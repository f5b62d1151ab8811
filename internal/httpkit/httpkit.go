// Package httpkit builds the HTTP clients used to reach remote MCP
// servers. Every client carries the toolhost User-Agent, the server's
// static headers, and bounded dial and TLS timeouts.
//
// Remote tool calls can run for minutes and SSE streams stay open for
// the life of a connection, so transports build clients with
// WithTimeout(0) and bound each call with a context instead.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/toolhost/internal/buildinfo"
)

const (
	dialTimeout           = 10 * time.Second
	keepAlive             = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 15 * time.Second
	idleConnTimeout       = 90 * time.Second
)

// ClientOption configures NewClient.
type ClientOption func(*options)

type options struct {
	timeout           time.Duration
	headers           map[string]string
	responseHeader    time.Duration
	responseHeaderSet bool
	retries           int
	retryDelay        time.Duration
	logger            *slog.Logger
}

// WithTimeout sets http.Client.Timeout. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.timeout = d }
}

// WithHeaders adds static headers (typically credentials) to every
// request that does not set them itself. The map is copied.
func WithHeaders(h map[string]string) ClientOption {
	return func(o *options) {
		if len(h) > 0 {
			o.headers = maps.Clone(h)
		}
	}
}

// WithResponseHeaderTimeout overrides how long to wait for response
// headers. Zero waits forever: a streamable HTTP server may hold a
// tools/call POST open until the tool finishes.
func WithResponseHeaderTimeout(d time.Duration) ClientOption {
	return func(o *options) {
		o.responseHeader = d
		o.responseHeaderSet = true
	}
}

// WithRetry retries requests that failed to connect at all, such as a
// refused dial while a server restarts. Nothing reached the server in
// those cases, so a JSON-RPC POST is never delivered twice.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(o *options) {
		o.retries = count
		o.retryDelay = delay
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *options) { o.logger = l }
}

// NewClient builds an *http.Client for talking to one MCP server.
func NewClient(opts ...ClientOption) *http.Client {
	o := &options{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(o)
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   4,
		ForceAttemptHTTP2:     true,
	}
	if o.responseHeaderSet {
		base.ResponseHeaderTimeout = o.responseHeader
	}

	var rt http.RoundTripper = &stampTransport{
		base:      base,
		userAgent: buildinfo.UserAgent(),
		headers:   o.headers,
	}
	if o.retries > 0 {
		logger := o.logger
		if logger == nil {
			logger = slog.Default()
		}
		rt = &retryTransport{base: rt, count: o.retries, delay: o.retryDelay, logger: logger}
	}

	return &http.Client{Timeout: o.timeout, Transport: rt}
}

// stampTransport sets the User-Agent and static headers without
// overriding values the request already carries, so per-request
// session and protocol headers always win.
type stampTransport struct {
	base      http.RoundTripper
	userAgent string
	headers   map[string]string
}

func (t *stampTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	for attempt := 1; attempt <= t.count && err != nil && notConnected(err) && rewindable; attempt++ {
		t.logger.Debug("retrying request that never connected",
			"method", req.Method,
			"url", req.URL.String(),
			"attempt", attempt,
			"error", err,
		)

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("rewind request body: %w", bodyErr)
			}
			retry.Body = body
		}
		resp, err = t.base.RoundTrip(retry)
	}
	return resp, err
}

// notConnected reports dial failures that happen before any byte is
// sent. ECONNRESET is not one of them.
func notConnected(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}

// DrainAndClose discards up to limit bytes of rc and closes it so the
// connection can go back to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc for use in an error
// message, then drains and closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
