// Package collab – SubscriptionManager
//
// This file reference-counts topic interest and keeps exactly one delivery
// path active per topic: the push subscription in push-primary and a
// periodic snapshot fetch in poll-fallback, with a final fetch on the way
// back to close the gap.
package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/incident-sync/internal/domain"
	"github.com/tbourn/incident-sync/internal/push"
)

// Poll defaults.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultPollPageSize = 50
	DefaultPollMaxPages = 5
)

// Handle identifies one subscriber's interest in a topic.
type Handle uint64

// PollOptions tunes snapshot fetching.
type PollOptions struct {
	Interval time.Duration
	PageSize int
	MaxPages int
	// Limiter throttles page fetches across all topics. Nil means unlimited.
	Limiter *rate.Limiter
}

type topicState struct {
	refs int
	gen  uint64
	ctx  context.Context
	stop context.CancelFunc

	sub        push.Subscription
	pushFailed bool
	pollStop   context.CancelFunc
}

// SubscriptionManager keeps exactly one underlying subscription per topic
// while any subscriber holds a handle, and balances push against poll.
//
// With push-primary and a live push subscription the topic is fed by push
// alone. In poll-fallback, or when the push subscribe failed, a poller
// fetches snapshots every interval. Reverting to push-primary stops the
// poller and runs one last snapshot to close the gap.
type SubscriptionManager struct {
	transport push.Transport
	data      DataStore
	rec       *Reconciler
	presence  *Presence
	opts      PollOptions
	log       zerolog.Logger

	mu      sync.Mutex
	mode    domain.Mode
	topics  map[domain.Topic]*topicState
	handles map[Handle]domain.Topic
	next    Handle
	gen     uint64
	closed  bool
	wg      sync.WaitGroup

	// onOpen runs after a topic's view is created, before any fetch.
	onOpen func(domain.Topic)
}

// NewSubscriptionManager wires the manager. transport may be nil, in which
// case every topic is polled.
func NewSubscriptionManager(transport push.Transport, data DataStore, rec *Reconciler, presence *Presence, opts PollOptions, log zerolog.Logger) *SubscriptionManager {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPollPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultPollMaxPages
	}
	return &SubscriptionManager{
		transport: transport,
		data:      data,
		rec:       rec,
		presence:  presence,
		opts:      opts,
		log:       log.With().Str("component", "subscriptions").Logger(),
		mode:      domain.ModePushPrimary,
		topics:    map[domain.Topic]*topicState{},
		handles:   map[Handle]domain.Topic{},
	}
}

// Subscribe registers interest in topic. The first subscriber opens the
// view, the push subscription and an initial snapshot fetch.
func (m *SubscriptionManager) Subscribe(ctx context.Context, topic domain.Topic) (Handle, error) {
	if !topic.Valid() {
		return 0, domain.ErrInvalidTopic
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrEngineStopped
	}
	m.next++
	h := m.next
	m.handles[h] = topic
	if ts, ok := m.topics[topic]; ok {
		ts.refs++
		m.mu.Unlock()
		return h, nil
	}

	m.gen++
	tctx, stop := context.WithCancel(context.Background())
	ts := &topicState{refs: 1, gen: m.gen, ctx: tctx, stop: stop}
	m.topics[topic] = ts
	activeTopics.Set(float64(len(m.topics)))
	m.rec.Open(topic)
	m.presence.Open(topic)
	onOpen := m.onOpen
	m.mu.Unlock()

	if onOpen != nil {
		onOpen(topic)
	}
	m.log.Info().Str("topic", topic.String()).Msg("topic opened")

	sub, err := m.openPush(ctx, topic)

	m.mu.Lock()
	if m.topics[topic] != ts {
		// released while subscribing
		m.mu.Unlock()
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		return h, nil
	}
	ts.sub = sub
	ts.pushFailed = err != nil
	m.balanceLocked(topic, ts)
	if ts.pollStop == nil {
		// a fresh poller fetches immediately
		m.spawn(func() { m.snapshot(ts.ctx, topic, ts.gen, "initial") })
	}
	m.mu.Unlock()
	return h, nil
}

// Unsubscribe releases a handle. The last release closes the push
// subscription, cancels polling and frees the view; a fetch still in
// flight for the topic is dropped.
func (m *SubscriptionManager) Unsubscribe(h Handle) error {
	m.mu.Lock()
	topic, ok := m.handles[h]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(m.handles, h)
	ts := m.topics[topic]
	ts.refs--
	if ts.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.topics, topic)
	activeTopics.Set(float64(len(m.topics)))
	m.stopPollLocked(ts)
	ts.stop()
	sub := ts.sub
	ts.sub = nil
	m.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			m.log.Debug().Err(err).Str("topic", topic.String()).Msg("push unsubscribe")
		}
	}
	m.rec.Close(topic)
	m.presence.Close(topic)
	m.log.Info().Str("topic", topic.String()).Msg("topic closed")
	return nil
}

// SetMode applies a transport mode to every active topic.
func (m *SubscriptionManager) SetMode(mode domain.Mode) {
	m.mu.Lock()
	if m.closed || m.mode == mode {
		m.mode = mode
		m.mu.Unlock()
		return
	}
	m.mode = mode
	for topic, ts := range m.topics {
		if mode == domain.ModePushPrimary && ts.pollStop != nil && !ts.pushFailed {
			// closing the outage gap
			m.spawn(func() { m.snapshot(ts.ctx, topic, ts.gen, "final") })
		}
		if mode == domain.ModePushPrimary && ts.pushFailed {
			m.spawn(func() { m.retryPush(topic, ts) })
		}
		m.balanceLocked(topic, ts)
	}
	m.mu.Unlock()
}

// Mode returns the mode last applied.
func (m *SubscriptionManager) Mode() domain.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Active reports whether topic has subscribers.
func (m *SubscriptionManager) Active(topic domain.Topic) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.topics[topic]
	return ok
}

// Topics returns the active topics.
func (m *SubscriptionManager) Topics() []domain.Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Topic, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	return out
}

// Polling reports whether topic currently has a poller running.
func (m *SubscriptionManager) Polling(topic domain.Topic) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.topics[topic]
	return ok && ts.pollStop != nil
}

// Close releases every topic and waits for background fetches.
func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	m.closed = true
	handles := make([]Handle, 0, len(m.handles))
	for h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		_ = m.Unsubscribe(h)
	}
	m.wg.Wait()
}

// balanceLocked starts or stops the poller so that exactly one of push and
// poll feeds the topic.
func (m *SubscriptionManager) balanceLocked(topic domain.Topic, ts *topicState) {
	needPoll := m.mode == domain.ModePollFallback || ts.pushFailed
	switch {
	case needPoll && ts.pollStop == nil:
		pctx, cancel := context.WithCancel(ts.ctx)
		ts.pollStop = cancel
		gen := ts.gen
		m.spawn(func() { m.pollLoop(pctx, topic, gen) })
		m.log.Debug().Str("topic", topic.String()).Msg("poller started")
	case !needPoll && ts.pollStop != nil:
		m.stopPollLocked(ts)
		m.log.Debug().Str("topic", topic.String()).Msg("poller stopped")
	}
}

func (m *SubscriptionManager) stopPollLocked(ts *topicState) {
	if ts.pollStop != nil {
		ts.pollStop()
		ts.pollStop = nil
	}
}

func (m *SubscriptionManager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *SubscriptionManager) openPush(ctx context.Context, topic domain.Topic) (push.Subscription, error) {
	if m.transport == nil {
		return nil, ErrUnsupportedOperation
	}
	sub, err := m.transport.Subscribe(ctx, topic)
	if err != nil {
		terr := &TransientTransportError{Topic: topic, Err: err}
		m.log.Warn().Err(terr).Msg("push subscribe failed; polling topic")
		return nil, terr
	}
	m.bind(topic, sub)
	return sub, nil
}

// bind installs the topic's dispatch table on sub.
func (m *SubscriptionManager) bind(topic domain.Topic, sub push.Subscription) {
	merge := func(ev domain.Event) {
		ev.Topic = topic
		if _, err := m.rec.Merge(ev); err != nil && !errors.Is(err, ErrUnknownTopic) {
			m.log.Warn().Err(err).Str("topic", topic.String()).Msg("push event not merged")
		}
	}
	switch topic.Kind() {
	case domain.TopicMessages:
		sub.On(domain.KindMessageCreated, merge)
		sub.On(domain.KindTypingStarted, func(ev domain.Event) { m.presence.OnTypingStarted(topic, ev.ActorID) })
		sub.On(domain.KindTypingStopped, func(ev domain.Event) { m.presence.OnTypingStopped(topic, ev.ActorID) })
	case domain.TopicNotifications:
		sub.On(domain.KindNotificationCreated, merge)
	}
}

func (m *SubscriptionManager) retryPush(topic domain.Topic, ts *topicState) {
	sub, err := m.openPush(ts.ctx, topic)
	if err != nil {
		return
	}
	m.mu.Lock()
	if m.topics[topic] != ts || ts.sub != nil {
		m.mu.Unlock()
		_ = sub.Unsubscribe()
		return
	}
	ts.sub = sub
	ts.pushFailed = false
	wasPolling := ts.pollStop != nil
	m.balanceLocked(topic, ts)
	if wasPolling && ts.pollStop == nil {
		m.spawn(func() { m.snapshot(ts.ctx, topic, ts.gen, "final") })
	}
	m.mu.Unlock()
	m.log.Info().Str("topic", topic.String()).Msg("push subscription restored")
}

// pollLoop fetches at once, then every interval until ctx ends.
func (m *SubscriptionManager) pollLoop(ctx context.Context, topic domain.Topic, gen uint64) {
	m.snapshot(ctx, topic, gen, "poll")
	tk := time.NewTicker(m.opts.Interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			m.snapshot(ctx, topic, gen, "poll")
		}
	}
}

// snapshot fetches up to MaxPages pages and merges them. Results for a
// topic that was released (or re-opened) since the fetch began are dropped.
func (m *SubscriptionManager) snapshot(ctx context.Context, topic domain.Topic, gen uint64, reason string) {
	ctx, span := otel.Tracer("collab/subscriptions").Start(ctx, "Subscriptions.Snapshot",
		trace.WithAttributes(
			attribute.String("collab.topic", topic.String()),
			attribute.String("collab.reason", reason),
		))
	defer span.End()

	var events []domain.Event
	for page := 1; page <= m.opts.MaxPages; page++ {
		if m.opts.Limiter != nil {
			if err := m.opts.Limiter.Wait(ctx); err != nil {
				m.dropSnapshot(ctx, topic, err)
				return
			}
		}
		p, err := m.data.FetchPage(ctx, topic, page, m.opts.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				m.dropSnapshot(ctx, topic, err)
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			snapshotFetches.WithLabelValues("error").Inc()
			m.log.Warn().Err(&TransientTransportError{Topic: topic, Err: err}).Str("reason", reason).Msg("snapshot fetch failed")
			if len(events) == 0 {
				return
			}
			break
		}
		events = append(events, p.Items...)
		if !p.HasMore {
			break
		}
	}
	span.SetAttributes(attribute.Int("collab.events", len(events)))

	m.mu.Lock()
	ts, ok := m.topics[topic]
	current := ok && ts.gen == gen
	m.mu.Unlock()
	if !current {
		m.dropSnapshot(ctx, topic, nil)
		return
	}

	changed, err := m.rec.MergeSnapshot(topic, events)
	if err != nil {
		if errors.Is(err, ErrUnknownTopic) {
			m.dropSnapshot(ctx, topic, nil)
			return
		}
		m.log.Warn().Err(err).Str("topic", topic.String()).Msg("snapshot not merged")
		return
	}
	snapshotFetches.WithLabelValues("ok").Inc()
	m.log.Debug().Str("topic", topic.String()).Str("reason", reason).Int("events", len(events)).Int("changed", changed).Msg("snapshot merged")
}

func (m *SubscriptionManager) dropSnapshot(_ context.Context, topic domain.Topic, cause error) {
	snapshotFetches.WithLabelValues("dropped").Inc()
	ev := m.log.Debug().Str("topic", topic.String())
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("snapshot dropped")
}
