// Package push adapts push-delivery services to the synchronization layer.
//
// A Transport offers subscribe-by-topic and publish-by-topic primitives plus a
// connection-state observable. Each Subscription carries a typed dispatch
// table keyed by event kind, so consumers bind one handler per kind instead of
// threading callbacks through the socket code.
//
// Two adapters are provided:
//   - WatermillTransport: any watermill Publisher/Subscriber pair (in-process
//     gochannel for single-node setups and tests, Redis Streams in production).
//   - WebsocketTransport: a gorilla/websocket client speaking a small JSON
//     frame protocol, with bounded reconnects.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/tbourn/incident-sync/internal/domain"
)

// Handler consumes one event delivered on a subscription.
type Handler func(domain.Event)

// Subscription is one open topic subscription.
type Subscription interface {
	// On binds the handler for a kind, replacing any previous one.
	On(kind domain.EventKind, h Handler)
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe() error
}

// Transport is the push-delivery collaborator.
type Transport interface {
	Subscribe(ctx context.Context, topic domain.Topic) (Subscription, error)
	Publish(ctx context.Context, ev domain.Event) error
	// WatchState calls fn with the current state and on every change until
	// cancel is called.
	WatchState(fn func(domain.ConnState)) (cancel func())
	State() domain.ConnState
	Close() error
}

// Restarter is implemented by transports that stop reconnecting after they
// report failed. Restart runs the connection loop again.
type Restarter interface {
	Restart() error
}

var (
	// ErrNotConnected is returned by Publish while the socket is down.
	ErrNotConnected = errors.New("push transport not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("push transport closed")
)

// dispatchTable routes events to per-kind handlers.
type dispatchTable struct {
	mu       sync.RWMutex
	handlers map[domain.EventKind]Handler
	closed   bool
}

func newDispatchTable() *dispatchTable {
	return &dispatchTable{handlers: make(map[domain.EventKind]Handler, len(domain.EventKinds))}
}

func (d *dispatchTable) On(kind domain.EventKind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, kind)
		return
	}
	d.handlers[kind] = h
}

// dispatch delivers ev and reports whether a handler received it.
func (d *dispatchTable) dispatch(ev domain.Event) bool {
	d.mu.RLock()
	h, ok := d.handlers[ev.Kind]
	closed := d.closed
	d.mu.RUnlock()
	if !ok || closed {
		return false
	}
	h(ev)
	return true
}

func (d *dispatchTable) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// stateHub holds the current ConnState and fans changes out to watchers.
type stateHub struct {
	mu       sync.Mutex
	state    domain.ConnState
	watchers map[int]func(domain.ConnState)
	next     int
}

func newStateHub(initial domain.ConnState) *stateHub {
	return &stateHub{state: initial, watchers: map[int]func(domain.ConnState){}}
}

func (h *stateHub) State() domain.ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// set records s and notifies watchers outside the lock. Repeats are dropped.
func (h *stateHub) set(s domain.ConnState) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	fns := make([]func(domain.ConnState), 0, len(h.watchers))
	for _, fn := range h.watchers {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (h *stateHub) watch(fn func(domain.ConnState)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.watchers[id] = fn
	cur := h.state
	h.mu.Unlock()

	fn(cur)
	return func() {
		h.mu.Lock()
		delete(h.watchers, id)
		h.mu.Unlock()
	}
}

// encodeEvent and decodeEvent define the payload carried by both adapters.
func encodeEvent(ev domain.Event) ([]byte, error) { return json.Marshal(ev) }

func decodeEvent(b []byte) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return domain.Event{}, err
	}
	if !ev.Kind.Valid() {
		return domain.Event{}, errors.New("unknown event kind: " + string(ev.Kind))
	}
	return ev, nil
}
