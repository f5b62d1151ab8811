// Package events carries lifecycle events from the connection manager,
// the tool invoker and the host to whoever is listening: the serve
// command's debug log and the API's event stream. A nil *Bus drops
// everything, so components emit without guard checks.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceConnections identifies events from the connection manager.
	SourceConnections = "connections"
	// SourceInvoker identifies events from the tool invoker.
	SourceInvoker = "invoker"
	// SourceRegistry identifies events from server registry changes.
	SourceRegistry = "registry"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnecting signals the start of connection initialization.
	// Data: server, key, transport.
	KindConnecting = "connecting"
	// KindConnected signals a connection reached the ready state.
	// Data: server, key, transport, elapsed_ms.
	KindConnected = "connected"
	// KindConnectFailed signals initialization failed and the entry
	// was discarded.
	// Data: server, key, transport, error.
	KindConnectFailed = "connect_failed"
	// KindEvicted signals a ready connection failed a health check.
	// Data: server, key, error.
	KindEvicted = "evicted"
	// KindDisconnected signals an explicit stop or shutdown.
	// Data: server, key.
	KindDisconnected = "disconnected"

	// KindToolCall signals the start of a tool invocation.
	// Data: invocation_id, server, tool.
	KindToolCall = "tool_call"
	// KindToolRetry signals a failed attempt that will be retried.
	// Data: invocation_id, server, tool, attempt, delay_ms, error.
	KindToolRetry = "tool_retry"
	// KindToolDone signals completion of a tool invocation.
	// Data: invocation_id, server, tool, ok, attempts, duration_ms.
	KindToolDone = "tool_done"

	// KindServerChanged signals a descriptor was added, updated,
	// removed or toggled.
	// Data: server_id, action.
	KindServerChanged = "server_changed"
)

// Event is one lifecycle event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers. Delivery never blocks the
// emitter: a subscriber whose buffer is full misses the event, and the
// miss is counted.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscriber
}

type subscriber struct {
	ch      chan Event
	sources []string // empty means every source
	dropped atomic.Int64
}

func (s *subscriber) wants(source string) bool {
	return len(s.sources) == 0 || slices.Contains(s.sources, source)
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a buffered channel for events from the given
// sources, or from all sources when none are named. Pair every
// Subscribe with Unsubscribe.
func (b *Bus) Subscribe(bufSize int, sources ...string) <-chan Event {
	sub := &subscriber{
		ch:      make(chan Event, bufSize),
		sources: slices.Clone(sources),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe closes ch and stops delivery to it. Unknown or already
// removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.IndexFunc(b.subs, func(s *subscriber) bool { return s.ch == ch })
	if i < 0 {
		return
	}
	close(b.subs[i].ch)
	b.subs = slices.Delete(b.subs, i, i+1)
}

// Dropped returns how many events ch has missed because its buffer was
// full.
func (b *Bus) Dropped(ch <-chan Event) int64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.ch == ch {
			return s.dropped.Load()
		}
	}
	return 0
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers e to every interested subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Source) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}
