package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// inMemoryInbox is the per-end queue depth. Senders block once it fills.
const inMemoryInbox = 64

// inMemoryPair is the state shared by both ends.
type inMemoryPair struct {
	once sync.Once
	done chan struct{}
}

func (p *inMemoryPair) shutdown() {
	p.once.Do(func() { close(p.done) })
}

// InMemoryTransport is one end of a linked in-process channel pair.
// Messages sent on one end are delivered to the other end's handler by a
// single goroutine, so receipt order is preserved. Closing either end
// closes both.
type InMemoryTransport struct {
	side   string
	pair   *inMemoryPair
	peer   *InMemoryTransport
	inbox  chan *Message
	d      *dispatcher
	logger *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewInMemoryPair returns the client and server ends of a new channel.
func NewInMemoryPair(logger *slog.Logger) (client, server *InMemoryTransport) {
	if logger == nil {
		logger = slog.Default()
	}
	pair := &inMemoryPair{done: make(chan struct{})}
	client = &InMemoryTransport{
		side:   "client",
		pair:   pair,
		inbox:  make(chan *Message, inMemoryInbox),
		d:      newDispatcher(logger),
		logger: logger,
	}
	server = &InMemoryTransport{
		side:   "server",
		pair:   pair,
		inbox:  make(chan *Message, inMemoryInbox),
		d:      newDispatcher(logger),
		logger: logger,
	}
	client.peer = server
	server.peer = client
	return client, server
}

// Start begins delivering inbound messages to h.
func (t *InMemoryTransport) Start(_ context.Context, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errors.New("mcp: in-memory transport already started")
	}
	select {
	case <-t.pair.done:
		return ErrConnectionClosed
	default:
	}

	t.started = true
	t.d.bind(h)
	go t.pump()
	return nil
}

// pump delivers queued messages until the pair shuts down.
func (t *InMemoryTransport) pump() {
	defer t.d.close()
	for {
		select {
		case <-t.pair.done:
			return
		case m := <-t.inbox:
			t.d.message(m)
		}
	}
}

// Send queues msg for the other end. It blocks only while the peer's
// inbox is full.
func (t *InMemoryTransport) Send(ctx context.Context, msg *Message) error {
	select {
	case <-t.pair.done:
		return ErrConnectionClosed
	default:
	}

	traceSend(t.logger, msg)

	select {
	case t.peer.inbox <- msg:
		return nil
	case <-t.pair.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down both ends immediately.
func (t *InMemoryTransport) Close() error {
	t.pair.shutdown()

	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		// No pump will notice the shutdown; report it ourselves.
		t.d.close()
	}
	return nil
}
