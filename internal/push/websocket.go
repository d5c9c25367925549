// Package push – websocket client.
package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tbourn/incident-sync/internal/domain"
)

// Frame types exchanged with a websocket push server.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FrameEvent       = "event"
)

// Frame is the JSON envelope on the socket.
type Frame struct {
	Type  string        `json:"type"`
	Topic domain.Topic  `json:"topic,omitempty"`
	Event *domain.Event `json:"event,omitempty"`
}

// WebsocketConfig configures a WebsocketTransport.
type WebsocketConfig struct {
	URL    string
	Header http.Header
	// MaxReconnects is the number of consecutive failed dials tolerated
	// before the transport reports failed and stops.
	MaxReconnects  int
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
	Dialer         *websocket.Dialer
}

// WebsocketTransport is a push client over a single socket. Topic
// subscriptions are replayed after every reconnect. After MaxReconnects
// consecutive failed dials it reports failed and stays down until Restart.
type WebsocketTransport struct {
	cfg WebsocketConfig
	log zerolog.Logger
	hub *stateHub

	ctx    context.Context
	cancel context.CancelFunc

	runMu   sync.Mutex
	done    chan struct{}
	started bool

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[domain.Topic]map[*wsSubscription]struct{}

	writeMu sync.Mutex
}

// NewWebsocket builds a client. Call Start to dial.
func NewWebsocket(cfg WebsocketConfig, log zerolog.Logger) *WebsocketTransport {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxReconnects < 0 {
		cfg.MaxReconnects = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebsocketTransport{
		cfg:    cfg,
		log:    log.With().Str("component", "push").Str("url", cfg.URL).Logger(),
		hub:    newStateHub(domain.StateConnecting),
		ctx:    ctx,
		cancel: cancel,
		subs:   map[domain.Topic]map[*wsSubscription]struct{}{},
	}
}

// Start launches the connection loop in the background.
func (t *WebsocketTransport) Start() {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if !t.started {
		t.launchLocked()
	}
}

// Restart relaunches the connection loop once it has given up. It does
// nothing while the loop is still running.
func (t *WebsocketTransport) Restart() error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.started {
		if t.hub.State() == domain.StateFailed {
			// the loop returns right after reporting failed
			<-t.done
		}
		select {
		case <-t.done:
		default:
			return nil
		}
	}
	t.log.Info().Msg("push connection loop restarted")
	t.launchLocked()
	return nil
}

var _ Restarter = (*WebsocketTransport)(nil)

func (t *WebsocketTransport) launchLocked() {
	t.started = true
	t.done = make(chan struct{})
	t.hub.set(domain.StateConnecting)
	go t.run(t.done)
}

func (t *WebsocketTransport) run(done chan struct{}) {
	defer close(done)
	failures := 0
	for {
		if t.ctx.Err() != nil {
			return
		}
		t.hub.set(domain.StateConnecting)
		conn, _, err := t.cfg.Dialer.DialContext(t.ctx, t.cfg.URL, t.cfg.Header)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			failures++
			t.log.Warn().Err(err).Int("failures", failures).Msg("push dial failed")
			if failures > t.cfg.MaxReconnects {
				t.log.Error().Int("failures", failures).Msg("push reconnects exhausted")
				t.hub.set(domain.StateFailed)
				return
			}
			t.hub.set(domain.StateDisconnected)
			if !t.sleep(t.cfg.ReconnectDelay * time.Duration(failures)) {
				return
			}
			continue
		}
		failures = 0

		t.mu.Lock()
		t.conn = conn
		topics := make([]domain.Topic, 0, len(t.subs))
		for topic := range t.subs {
			topics = append(topics, topic)
		}
		t.mu.Unlock()

		resubscribed := true
		for _, topic := range topics {
			if err := t.write(conn, Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
				t.log.Warn().Err(err).Str("topic", topic.String()).Msg("resubscribe failed")
				resubscribed = false
				break
			}
		}
		if resubscribed {
			t.log.Info().Int("topics", len(topics)).Msg("push connected")
			t.hub.set(domain.StateConnected)
			t.readLoop(conn)
		}

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		_ = conn.Close()

		if t.ctx.Err() != nil {
			return
		}
		t.hub.set(domain.StateDisconnected)
	}
}

func (t *WebsocketTransport) sleep(d time.Duration) bool {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-t.ctx.Done():
		return false
	case <-tm.C:
		return true
	}
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if t.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.log.Warn().Err(err).Msg("push read failed")
			}
			return
		}
		if f.Type != FrameEvent || f.Event == nil {
			continue
		}
		ev := *f.Event
		if !ev.Kind.Valid() {
			t.log.Debug().Str("kind", string(ev.Kind)).Msg("dropping unknown event kind")
			continue
		}
		if ev.Topic == "" {
			ev.Topic = f.Topic
		}

		t.mu.Lock()
		targets := make([]*wsSubscription, 0, len(t.subs[ev.Topic]))
		for s := range t.subs[ev.Topic] {
			targets = append(targets, s)
		}
		t.mu.Unlock()
		for _, s := range targets {
			s.dispatch(ev)
		}
	}
}

func (t *WebsocketTransport) write(conn *websocket.Conn, f Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return conn.WriteJSON(f)
}

func (t *WebsocketTransport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *WebsocketTransport) State() domain.ConnState { return t.hub.State() }

func (t *WebsocketTransport) WatchState(fn func(domain.ConnState)) func() { return t.hub.watch(fn) }

// Subscribe registers interest in topic. While disconnected the subscription
// is recorded and sent on the next connect.
func (t *WebsocketTransport) Subscribe(ctx context.Context, topic domain.Topic) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if t.hub.State() == domain.StateFailed {
		return nil, ErrNotConnected
	}
	s := &wsSubscription{dispatchTable: newDispatchTable(), topic: topic, owner: t}

	t.mu.Lock()
	set, existed := t.subs[topic]
	if !existed {
		set = map[*wsSubscription]struct{}{}
		t.subs[topic] = set
	}
	set[s] = struct{}{}
	conn := t.conn
	t.mu.Unlock()

	if !existed && conn != nil {
		if err := t.write(conn, Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
			t.remove(s)
			return nil, err
		}
	}
	return s, nil
}

func (t *WebsocketTransport) remove(s *wsSubscription) {
	t.mu.Lock()
	set := t.subs[s.topic]
	delete(set, s)
	last := len(set) == 0
	if last {
		delete(t.subs, s.topic)
	}
	conn := t.conn
	t.mu.Unlock()

	if last && conn != nil {
		if err := t.write(conn, Frame{Type: FrameUnsubscribe, Topic: s.topic}); err != nil {
			t.log.Debug().Err(err).Str("topic", s.topic.String()).Msg("unsubscribe frame not sent")
		}
	}
}

// Publish writes ev to the socket.
func (t *WebsocketTransport) Publish(ctx context.Context, ev domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := t.current()
	if conn == nil {
		return ErrNotConnected
	}
	return t.write(conn, Frame{Type: FramePublish, Topic: ev.Topic, Event: &ev})
}

// Close stops the connection loop and waits for it to exit.
func (t *WebsocketTransport) Close() error {
	t.cancel()
	if conn := t.current(); conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	t.runMu.Lock()
	done := t.done
	t.runMu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
	t.hub.set(domain.StateDisconnected)
	return nil
}

type wsSubscription struct {
	*dispatchTable
	topic domain.Topic
	owner *WebsocketTransport
	once  sync.Once
}

func (s *wsSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.close()
		s.owner.remove(s)
	})
	return nil
}
