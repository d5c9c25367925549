package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/incident-sync/internal/collab/collabtest"
	"github.com/tbourn/incident-sync/internal/domain"
)

type subsFixture struct {
	m    *SubscriptionManager
	tr   *collabtest.Transport
	data *collabtest.DataStore
	rec  *Reconciler
	pres *Presence
}

func newSubsFixture(t *testing.T) *subsFixture {
	t.Helper()
	clk := collabtest.NewFakeClock(t0)
	rec := NewReconciler(clk, 0, zerolog.Nop())
	pres := NewPresence(clk, 3*time.Second, "me", zerolog.Nop())
	tr := collabtest.NewTransport()
	data := collabtest.NewDataStore()
	m := NewSubscriptionManager(tr, data, rec, pres, PollOptions{Interval: 10 * time.Millisecond, PageSize: 2, MaxPages: 3}, zerolog.Nop())
	t.Cleanup(m.Close)
	return &subsFixture{m: m, tr: tr, data: data, rec: rec, pres: pres}
}

func viewLen(r *Reconciler, topic domain.Topic) int {
	v, err := r.View(topic)
	if err != nil {
		return -1
	}
	return len(v.Entries)
}

func TestSubscriptions_RefCountsOneUnderlyingSubscription(t *testing.T) {
	f := newSubsFixture(t)
	ctx := context.Background()

	h1, err := f.m.Subscribe(ctx, incident1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h2, _ := f.m.Subscribe(ctx, incident1)
	if h1 == h2 {
		t.Fatal("handles must be distinct")
	}
	if n := f.tr.Subscribers(incident1); n != 1 {
		t.Fatalf("underlying subscriptions=%d want 1", n)
	}

	if err := f.m.Unsubscribe(h1); err != nil {
		t.Fatalf("unsubscribe h1: %v", err)
	}
	if n := f.tr.Subscribers(incident1); n != 1 || !f.m.Active(incident1) {
		t.Fatalf("topic released while h2 holds it")
	}
	if err := f.m.Unsubscribe(h2); err != nil {
		t.Fatalf("unsubscribe h2: %v", err)
	}
	if n := f.tr.Subscribers(incident1); n != 0 || f.m.Active(incident1) {
		t.Fatalf("topic still open after last release")
	}
	if _, err := f.rec.View(incident1); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("view not freed: %v", err)
	}
	if err := f.m.Unsubscribe(h2); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("err=%v want ErrUnknownHandle", err)
	}
	if _, err := f.m.Subscribe(ctx, "nonsense"); !errors.Is(err, domain.ErrInvalidTopic) {
		t.Fatalf("err=%v want ErrInvalidTopic", err)
	}
}

func TestSubscriptions_DispatchesByKind(t *testing.T) {
	f := newSubsFixture(t)
	ctx := context.Background()
	_, _ = f.m.Subscribe(ctx, incident1)
	notes := domain.NotificationsTopic("u1")
	_, _ = f.m.Subscribe(ctx, notes)

	f.tr.Emit(msg("m1", 1, "bob", "hi"))
	f.tr.Emit(domain.Event{Topic: incident1, Kind: domain.KindTypingStarted, ActorID: "bob"})
	if viewLen(f.rec, incident1) != 1 {
		t.Fatalf("message not merged")
	}
	if got := f.pres.CurrentTypers(incident1); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("typers=%v", got)
	}
	f.tr.Emit(domain.Event{Topic: incident1, Kind: domain.KindTypingStopped, ActorID: "bob"})
	if got := f.pres.CurrentTypers(incident1); len(got) != 0 {
		t.Fatalf("typers=%v", got)
	}

	if n := f.tr.Emit(domain.Event{Topic: notes, Kind: domain.KindTypingStarted, ActorID: "bob"}); n != 0 {
		t.Fatalf("notification topic must not bind typing handlers")
	}
	f.tr.Emit(domain.Event{ID: "n1", Topic: notes, Kind: domain.KindNotificationCreated, CreatedAt: at(1), Payload: json.RawMessage(`{}`)})
	if viewLen(f.rec, notes) != 1 {
		t.Fatalf("notification not merged")
	}
}

func TestSubscriptions_InitialBackfillPagesThroughStore(t *testing.T) {
	f := newSubsFixture(t)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		f.data.Add(msg(id, i, "bob", id))
	}
	_, _ = f.m.Subscribe(context.Background(), incident1)

	waitFor(t, "backfill", func() bool { return viewLen(f.rec, incident1) == 5 })
	if got := keys(t, f.rec, incident1); got[0] != "a" || got[4] != "e" {
		t.Fatalf("order=%v", got)
	}
	if f.m.Polling(incident1) {
		t.Fatal("push-primary with live push must not poll")
	}
}

func TestSubscriptions_PollFallbackAndFinalSnapshot(t *testing.T) {
	f := newSubsFixture(t)
	_, _ = f.m.Subscribe(context.Background(), incident1)
	waitFor(t, "initial fetch", func() bool { return f.data.Fetches(incident1) >= 1 })

	f.m.SetMode(domain.ModePollFallback)
	if !f.m.Polling(incident1) {
		t.Fatal("poller not started on fallback")
	}
	waitFor(t, "periodic fetches", func() bool { return f.data.Fetches(incident1) >= 4 })

	// an event missed by push during the outage
	f.data.Add(msg("gap", 5, "bob", "missed"))
	f.m.SetMode(domain.ModePushPrimary)
	if f.m.Polling(incident1) {
		t.Fatal("poller still running after revert")
	}
	waitFor(t, "final snapshot", func() bool { return viewLen(f.rec, incident1) == 1 })

	time.Sleep(30 * time.Millisecond)
	settled := f.data.Fetches(incident1)
	time.Sleep(50 * time.Millisecond)
	if n := f.data.Fetches(incident1); n != settled {
		t.Fatalf("fetches continued after revert: %d -> %d", settled, n)
	}
}

func TestSubscriptions_PushSubscribeFailureFallsBackToPoll(t *testing.T) {
	f := newSubsFixture(t)
	f.tr.SubscribeErr = errors.New("socket closed")
	_, _ = f.m.Subscribe(context.Background(), incident1)

	if !f.m.Polling(incident1) {
		t.Fatal("topic with failed push must be polled even in push-primary")
	}
	waitFor(t, "poll", func() bool { return f.data.Fetches(incident1) >= 2 })

	f.tr.SubscribeErr = nil
	f.m.SetMode(domain.ModePollFallback)
	f.m.SetMode(domain.ModePushPrimary)
	waitFor(t, "push restored", func() bool {
		return f.tr.Subscribers(incident1) == 1 && !f.m.Polling(incident1)
	})
}

func TestSubscriptions_UnsubscribeDropsInFlightFetch(t *testing.T) {
	f := newSubsFixture(t)
	started := make(chan struct{}, 1)
	canceled := make(chan struct{})
	f.data.FetchFunc = func(ctx context.Context, _ domain.Topic, _ int) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}
	h, _ := f.m.Subscribe(context.Background(), incident1)
	<-started

	if err := f.m.Unsubscribe(h); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight fetch was not canceled")
	}
	if f.m.Active(incident1) {
		t.Fatal("topic still active")
	}
}

func TestSubscriptions_ClosedManagerRejects(t *testing.T) {
	f := newSubsFixture(t)
	_, _ = f.m.Subscribe(context.Background(), incident1)
	f.m.Close()
	if f.m.Active(incident1) {
		t.Fatal("close must release topics")
	}
	if _, err := f.m.Subscribe(context.Background(), incident1); !errors.Is(err, ErrEngineStopped) {
		t.Fatalf("err=%v", err)
	}
}
