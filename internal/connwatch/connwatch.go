// Package connwatch probes live connections in the background and reports
// state transitions. The connection manager registers one watcher per
// ready MCP connection; when a watcher decides the connection is dead it
// fires OnDown and the manager evicts the entry so the next caller
// reconnects from scratch.
//
// This is distinct from the pre-call ping the manager performs when it
// hands out a cached connection. connwatch catches servers that die while
// idle, so their processes and streams are reclaimed without waiting for
// the next tool call.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a connection is alive. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Defaults applied to zero-value WatcherConfig fields.
const (
	DefaultInterval     = 60 * time.Second
	DefaultProbeTimeout = 5 * time.Second
	DefaultThreshold    = 1
)

// WatcherConfig configures a single connection watcher.
type WatcherConfig struct {
	// Name identifies the watcher in logs and Status. Watching a name
	// that is already watched replaces the previous watcher.
	Name string

	// Probe checks connection health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval between probes (default: 60s).
	Interval time.Duration

	// ProbeTimeout limits each probe call (default: 5s).
	ProbeTimeout time.Duration

	// Threshold is the number of consecutive failed probes before the
	// connection is declared down (default: 1).
	Threshold int

	// OnDown is called once when the connection transitions from
	// healthy to down. Called in a separate goroutine. Optional.
	OnDown func(err error)

	// OnRecover is called when a down connection answers again.
	// Called in a separate goroutine. Optional.
	OnRecover func()

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// Status is the health of a watched connection, suitable for JSON
// serialization in status endpoints.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher periodically probes a single connection.
type Watcher struct {
	config  WatcherConfig
	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	failures  int
	lastErr   error
	lastCheck time.Time
}

// IsHealthy reports whether the last probes succeeded.
func (w *Watcher) IsHealthy() bool {
	return w.healthy.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Name,
		Healthy:   w.healthy.Load(),
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run probes on every tick until the context is cancelled.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := w.probe(ctx)
		if ctx.Err() != nil {
			// Cancelled mid-probe; the failure says nothing about the peer.
			return
		}
		failures := w.recordResult(err)
		wasHealthy := w.healthy.Load()

		switch {
		case wasHealthy && err != nil && failures >= w.config.Threshold:
			w.healthy.Store(false)
			logger.Info("connection became unreachable",
				"connection", w.config.Name,
				"failures", failures,
				"error", err,
			)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case wasHealthy && err != nil:
			logger.Debug("connection probe failed",
				"connection", w.config.Name,
				"failures", failures,
				"threshold", w.config.Threshold,
				"error", err,
			)
		case !wasHealthy && err == nil:
			w.healthy.Store(true)
			logger.Info("connection recovered", "connection", w.config.Name)
			if w.config.OnRecover != nil {
				go w.config.OnRecover()
			}
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome and returns the consecutive
// failure count.
func (w *Watcher) recordResult(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	return w.failures
}

// Manager coordinates the watchers of all live connections.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. The watcher begins in the
// healthy state; it runs until ctx is cancelled, Unwatch is called for
// its name, or the Manager is stopped.
//
// Panics if Name is empty or Probe is nil. These are programming errors.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.healthy.Store(true)

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Unwatch stops and forgets the watcher registered under name. It is a
// no-op if the name is not watched.
func (m *Manager) Unwatch(name string) {
	m.mu.Lock()
	w, ok := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()

	if ok {
		w.Stop()
	}
}

// Release stops w and forgets it, unless another watcher has since
// been registered under the same name. Nil is a no-op.
func (m *Manager) Release(w *Watcher) {
	if w == nil {
		return
	}
	m.mu.Lock()
	if m.watchers[w.config.Name] == w {
		delete(m.watchers, w.config.Name)
	}
	m.mu.Unlock()
	w.Stop()
}

// Status returns the health status of all watched connections.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
