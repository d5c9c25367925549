package collabtest

import (
	"context"
	"sync"

	"github.com/tbourn/incident-sync/internal/domain"
	"github.com/tbourn/incident-sync/internal/push"
)

// Transport is a synchronous push collaborator: Emit delivers on the
// caller's goroutine.
type Transport struct {
	mu        sync.Mutex
	state     domain.ConnState
	subs      map[domain.Topic][]*Subscription
	watchers  map[int]func(domain.ConnState)
	next      int
	published []domain.Event

	// SubscribeErr fails every Subscribe while set.
	SubscribeErr error
	// PublishErr fails every Publish while set.
	PublishErr error

	restarts int
}

// NewTransport returns a transport in state connecting.
func NewTransport() *Transport {
	return &Transport{
		state:    domain.StateConnecting,
		subs:     map[domain.Topic][]*Subscription{},
		watchers: map[int]func(domain.ConnState){},
	}
}

var (
	_ push.Transport = (*Transport)(nil)
	_ push.Restarter = (*Transport)(nil)
)

func (t *Transport) Subscribe(ctx context.Context, topic domain.Topic) (push.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SubscribeErr != nil {
		return nil, t.SubscribeErr
	}
	s := &Subscription{topic: topic, owner: t, handlers: map[domain.EventKind]push.Handler{}}
	t.subs[topic] = append(t.subs[topic], s)
	return s, nil
}

func (t *Transport) Publish(ctx context.Context, ev domain.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.PublishErr != nil {
		return t.PublishErr
	}
	t.published = append(t.published, ev)
	return nil
}

func (t *Transport) WatchState(fn func(domain.ConnState)) func() {
	t.mu.Lock()
	id := t.next
	t.next++
	t.watchers[id] = fn
	cur := t.state
	t.mu.Unlock()
	fn(cur)
	return func() {
		t.mu.Lock()
		delete(t.watchers, id)
		t.mu.Unlock()
	}
}

func (t *Transport) State() domain.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Close() error { return nil }

// Restart models a connection loop that gave up: a failed transport goes
// back to connecting.
func (t *Transport) Restart() error {
	t.mu.Lock()
	t.restarts++
	failed := t.state == domain.StateFailed
	t.mu.Unlock()
	if failed {
		t.SetState(domain.StateConnecting)
	}
	return nil
}

// Restarts counts Restart calls.
func (t *Transport) Restarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

// SetState changes the connection state and notifies watchers.
func (t *Transport) SetState(s domain.ConnState) {
	t.mu.Lock()
	t.state = s
	fns := make([]func(domain.ConnState), 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Emit delivers ev to every live subscription on its topic and returns
// how many handlers ran.
func (t *Transport) Emit(ev domain.Event) int {
	t.mu.Lock()
	subs := append([]*Subscription(nil), t.subs[ev.Topic]...)
	t.mu.Unlock()
	n := 0
	for _, s := range subs {
		if s.deliver(ev) {
			n++
		}
	}
	return n
}

// Subscribers counts live subscriptions on topic.
func (t *Transport) Subscribers(topic domain.Topic) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[topic])
}

// Published returns every published event.
func (t *Transport) Published() []domain.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Event(nil), t.published...)
}

// Subscription is one fake subscription.
type Subscription struct {
	topic    domain.Topic
	owner    *Transport
	mu       sync.Mutex
	handlers map[domain.EventKind]push.Handler
	closed   bool
}

func (s *Subscription) On(kind domain.EventKind, h push.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

func (s *Subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	t := s.owner
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.subs[s.topic]
	for i, x := range list {
		if x == s {
			t.subs[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.subs[s.topic]) == 0 {
		delete(t.subs, s.topic)
	}
	return nil
}

func (s *Subscription) deliver(ev domain.Event) bool {
	s.mu.Lock()
	h, ok := s.handlers[ev.Kind]
	closed := s.closed
	s.mu.Unlock()
	if !ok || closed {
		return false
	}
	h(ev)
	return true
}
