package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tbourn/incident-sync/internal/domain"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatchTable_RoutesByKind(t *testing.T) {
	d := newDispatchTable()
	var got []domain.EventKind
	d.On(domain.KindMessageCreated, func(ev domain.Event) { got = append(got, ev.Kind) })

	if !d.dispatch(domain.Event{Kind: domain.KindMessageCreated}) {
		t.Fatal("message handler not called")
	}
	if d.dispatch(domain.Event{Kind: domain.KindTypingStarted}) {
		t.Fatal("typing has no handler, should not dispatch")
	}
	d.On(domain.KindMessageCreated, nil)
	if d.dispatch(domain.Event{Kind: domain.KindMessageCreated}) {
		t.Fatal("handler removed, should not dispatch")
	}
	if len(got) != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestStateHub_WatchReplaysCurrentAndDropsRepeats(t *testing.T) {
	h := newStateHub(domain.StateConnecting)
	var seen []domain.ConnState
	cancel := h.watch(func(s domain.ConnState) { seen = append(seen, s) })

	h.set(domain.StateConnected)
	h.set(domain.StateConnected)
	cancel()
	h.set(domain.StateDisconnected)

	want := []domain.ConnState{domain.StateConnecting, domain.StateConnected}
	if len(seen) != len(want) {
		t.Fatalf("seen=%v want=%v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen=%v want=%v", seen, want)
		}
	}
}

func TestDecodeEvent_RejectsUnknownKind(t *testing.T) {
	if _, err := decodeEvent([]byte(`{"kind":"reaction-added"}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := decodeEvent([]byte(`not json`)); err == nil {
		t.Fatal("expected error for bad json")
	}
}

func TestInProcess_PublishSubscribe(t *testing.T) {
	tr := NewInProcess(zerolog.Nop())
	defer tr.Close()
	tr.Start()
	if tr.State() != domain.StateConnected {
		t.Fatalf("state=%s want connected", tr.State())
	}

	topic := domain.MessagesTopic("7")
	sub, err := tr.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var mu sync.Mutex
	var got []domain.Event
	sub.On(domain.KindMessageCreated, func(ev domain.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	ev := domain.Event{ID: "m1", Topic: topic, Kind: domain.KindMessageCreated, ActorID: "alice",
		Payload: json.RawMessage(`{"text":"hi"}`), CreatedAt: time.Unix(100, 0).UTC()}
	if err := tr.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	if got[0].ID != "m1" || got[0].ActorID != "alice" {
		t.Fatalf("got %+v", got[0])
	}
	mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
}

func TestWatermill_PingDrivesState(t *testing.T) {
	ch := NewInProcess(zerolog.Nop())
	var mu sync.Mutex
	healthy := false
	tr := NewWatermill(ch.pub, ch.sub, zerolog.Nop(), WithPing(10*time.Millisecond, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return nil
		}
		return ErrNotConnected
	}))
	tr.shared = true
	defer tr.Close()
	tr.Start()

	waitFor(t, "disconnected", func() bool { return tr.State() == domain.StateDisconnected })
	mu.Lock()
	healthy = true
	mu.Unlock()
	waitFor(t, "connected", func() bool { return tr.State() == domain.StateConnected })
}

// fakeServer relays publish frames to every socket subscribed to the topic.
type fakeServer struct {
	mu    sync.Mutex
	subs  map[domain.Topic]map[*websocket.Conn]struct{}
	conns []*websocket.Conn
}

func newFakeServer() *fakeServer {
	return &fakeServer{subs: map[domain.Topic]map[*websocket.Conn]struct{}{}}
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	defer conn.Close()
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		s.mu.Lock()
		switch f.Type {
		case FrameSubscribe:
			if s.subs[f.Topic] == nil {
				s.subs[f.Topic] = map[*websocket.Conn]struct{}{}
			}
			s.subs[f.Topic][conn] = struct{}{}
		case FrameUnsubscribe:
			delete(s.subs[f.Topic], conn)
		case FramePublish:
			for c := range s.subs[f.Topic] {
				_ = c.WriteJSON(Frame{Type: FrameEvent, Topic: f.Topic, Event: f.Event})
			}
		}
		s.mu.Unlock()
	}
}

func (s *fakeServer) subscribed(topic domain.Topic) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[topic])
}

func (s *fakeServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
	s.subs = map[domain.Topic]map[*websocket.Conn]struct{}{}
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestWebsocket_SubscribePublishAndResubscribe(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs)
	defer srv.Close()

	tr := NewWebsocket(WebsocketConfig{URL: wsURL(srv), MaxReconnects: 3, ReconnectDelay: 10 * time.Millisecond}, zerolog.Nop())
	defer tr.Close()

	topic := domain.NotificationsTopic("u1")
	// subscribe before connecting; the frame goes out on connect
	sub, err := tr.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var mu sync.Mutex
	var ids []string
	sub.On(domain.KindNotificationCreated, func(ev domain.Event) {
		mu.Lock()
		ids = append(ids, ev.ID)
		mu.Unlock()
	})

	tr.Start()
	waitFor(t, "connected", func() bool { return tr.State() == domain.StateConnected })
	waitFor(t, "server subscription", func() bool { return fs.subscribed(topic) == 1 })

	ev := domain.Event{ID: "n1", Topic: topic, Kind: domain.KindNotificationCreated, Payload: json.RawMessage(`{}`)}
	if err := tr.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 1
	})

	fs.dropAll()
	waitFor(t, "resubscribe", func() bool {
		return tr.State() == domain.StateConnected && fs.subscribed(topic) == 1
	})

	_ = sub.Unsubscribe()
	waitFor(t, "server unsubscribe", func() bool { return fs.subscribed(topic) == 0 })
}

func TestWebsocket_FailsAfterMaxReconnects(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	tr := NewWebsocket(WebsocketConfig{URL: url, MaxReconnects: 1, ReconnectDelay: time.Millisecond}, zerolog.Nop())
	var mu sync.Mutex
	var seen []domain.ConnState
	cancel := tr.WatchState(func(s domain.ConnState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer cancel()

	tr.Start()
	waitFor(t, "failed", func() bool { return tr.State() == domain.StateFailed })

	if err := tr.Publish(context.Background(), domain.Event{Topic: domain.MessagesTopic("1")}); err != ErrNotConnected {
		t.Fatalf("publish err=%v want ErrNotConnected", err)
	}
	if _, err := tr.Subscribe(context.Background(), domain.MessagesTopic("1")); err != ErrNotConnected {
		t.Fatalf("subscribe err=%v want ErrNotConnected", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen[len(seen)-1] != domain.StateFailed {
		t.Fatalf("last state %v", seen)
	}
}

func TestWebsocket_RestartAfterFailed(t *testing.T) {
	fs := newFakeServer()
	var down atomic.Bool
	down.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		fs.ServeHTTP(w, r)
	}))
	defer srv.Close()

	tr := NewWebsocket(WebsocketConfig{URL: wsURL(srv), MaxReconnects: 1, ReconnectDelay: time.Millisecond}, zerolog.Nop())
	defer tr.Close()

	tr.Start()
	waitFor(t, "failed", func() bool { return tr.State() == domain.StateFailed })

	down.Store(false)
	if err := tr.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "reconnected", func() bool { return tr.State() == domain.StateConnected })

	topic := domain.MessagesTopic("7")
	if _, err := tr.Subscribe(context.Background(), topic); err != nil {
		t.Fatalf("subscribe after restart: %v", err)
	}
	waitFor(t, "server subscription", func() bool { return fs.subscribed(topic) == 1 })

	// a running loop is left alone
	if err := tr.Restart(); err != nil || tr.State() != domain.StateConnected {
		t.Fatalf("restart while connected: err=%v state=%s", err, tr.State())
	}

	_ = tr.Close()
	if err := tr.Restart(); err != ErrClosed {
		t.Fatalf("restart after close err=%v want ErrClosed", err)
	}
}
