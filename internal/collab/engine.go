// Package collab – Engine
//
// Engine wires the monitor, subscriptions, reconciler, presence and outbox
// together and is the surface the HTTP layer and the daemon talk to.
package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tbourn/incident-sync/internal/domain"
	"github.com/tbourn/incident-sync/internal/push"
	"github.com/tbourn/incident-sync/internal/retry"
)

// DefaultTickInterval is how often the engine re-evaluates the dwell
// window, sweeps typing entries and expires unconfirmed writes.
const DefaultTickInterval = 250 * time.Millisecond

// Options configures an Engine. Zero values select the package defaults.
type Options struct {
	LocalActorID string

	DwellWindow   time.Duration
	PollInterval  time.Duration
	PollPageSize  int
	PollMaxPages  int
	PollRPS       float64
	PollBurst     int
	TypingTimeout time.Duration
	ConfirmGrace  time.Duration
	TickInterval  time.Duration
	Retry         retry.Policy

	// StartOffline holds the outbox until SetOnline(true).
	StartOffline bool

	Clock  Clock
	Logger zerolog.Logger
}

// Engine is the client-side synchronization layer. It exposes the
// UI-facing operations (views, typers, local writes, change streams) and
// the environment's online/offline signal.
type Engine struct {
	opts      Options
	log       zerolog.Logger
	transport push.Transport

	health   *HealthMonitor
	rec      *Reconciler
	presence *Presence
	subs     *SubscriptionManager
	outbox   *Outbox

	conflicts listenerSet[ReconciliationConflict]

	typingMu sync.Mutex
	typing   map[domain.Topic]*rate.Sometimes

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	cancels []func()
}

// New builds an engine. transport may be nil for environments without push;
// the engine then polls every topic.
func New(data DataStore, store OutboxStore, transport push.Transport, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	log := opts.Logger.With().Str("actor", opts.LocalActorID).Logger()

	var limiter *rate.Limiter
	if opts.PollRPS > 0 {
		burst := opts.PollBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.PollRPS), burst)
	}

	rec := NewReconciler(opts.Clock, opts.ConfirmGrace, log)
	presence := NewPresence(opts.Clock, opts.TypingTimeout, opts.LocalActorID, log)
	subs := NewSubscriptionManager(transport, data, rec, presence, PollOptions{
		Interval: opts.PollInterval,
		PageSize: opts.PollPageSize,
		MaxPages: opts.PollMaxPages,
		Limiter:  limiter,
	}, log)
	outbox := NewOutbox(store, data, rec, OutboxOptions{
		Policy:  opts.Retry,
		Clock:   opts.Clock,
		ActorID: opts.LocalActorID,
		Online:  !opts.StartOffline,
		Logger:  log,
	})
	subs.onOpen = outbox.Restore

	return &Engine{
		opts:      opts,
		log:       log.With().Str("component", "engine").Logger(),
		transport: transport,
		health:    NewHealthMonitor(opts.Clock, opts.DwellWindow, log),
		rec:       rec,
		presence:  presence,
		subs:      subs,
		outbox:    outbox,
		typing:    map[domain.Topic]*rate.Sometimes{},
		stopCh:    make(chan struct{}),
	}
}

// Start recovers the outbox, begins observing the transport and launches
// the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return nil
	}
	if err := e.outbox.Recover(ctx); err != nil {
		return err
	}

	e.cancels = append(e.cancels, e.health.OnModeChange(e.subs.SetMode))
	if e.transport == nil {
		e.health.MarkUnsupported()
	} else {
		e.cancels = append(e.cancels, e.transport.WatchState(e.health.Observe))
	}
	e.subs.SetMode(e.health.CurrentMode())

	e.wg.Add(1)
	go e.tickLoop()
	e.started = true

	if e.outbox.Online() {
		e.outbox.Kick()
	}
	e.log.Info().Str("mode", string(e.health.CurrentMode())).Msg("engine started")
	return nil
}

// Stop halts background work. In-flight deliveries return to pending.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopCh)
	cancels := e.cancels
	e.cancels = nil
	e.mu.Unlock()

	e.wg.Wait()
	for _, c := range cancels {
		c()
	}
	e.outbox.Close()
	e.subs.Close()
	e.log.Info().Msg("engine stopped")
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	tk := time.NewTicker(e.opts.TickInterval)
	defer tk.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-tk.C:
			e.Tick()
		}
	}
}

// Tick runs one round of time-driven work.
func (e *Engine) Tick() {
	e.health.Evaluate()
	e.presence.Sweep()
	for _, c := range e.rec.ExpireProvisional() {
		e.conflicts.emit(c)
	}
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Subscribe registers interest in topic.
func (e *Engine) Subscribe(ctx context.Context, topic domain.Topic) (Handle, error) {
	if e.isStopped() {
		return 0, ErrEngineStopped
	}
	if !topic.Valid() {
		return 0, domain.ErrInvalidTopic
	}
	return e.subs.Subscribe(ctx, topic)
}

// Unsubscribe releases a handle.
func (e *Engine) Unsubscribe(h Handle) error { return e.subs.Unsubscribe(h) }

// GetView returns the reconciled view of an active topic.
func (e *Engine) GetView(topic domain.Topic) (View, error) { return e.rec.View(topic) }

// GetTypers returns the remote actors typing on an active topic.
func (e *Engine) GetTypers(topic domain.Topic) ([]string, error) {
	if !e.subs.Active(topic) {
		return nil, ErrUnknownTopic
	}
	return e.presence.CurrentTypers(topic), nil
}

// SubscribeToViewChanges calls fn with every new view of topic.
func (e *Engine) SubscribeToViewChanges(topic domain.Topic, fn func(View)) (cancel func(), err error) {
	return e.rec.OnChange(topic, fn)
}

// SubscribeToTyperChanges calls fn whenever the typer set of topic changes.
func (e *Engine) SubscribeToTyperChanges(topic domain.Topic, fn func([]string)) (cancel func(), err error) {
	return e.presence.OnChange(topic, fn)
}

// SendLocal routes a write through the outbox and returns its local id.
// Creates appear in the view as provisional entries right away.
func (e *Engine) SendLocal(ctx context.Context, topic domain.Topic, op domain.Operation, payload json.RawMessage) (string, error) {
	if e.isStopped() {
		return "", ErrEngineStopped
	}
	if !topic.Valid() {
		return "", domain.ErrInvalidTopic
	}
	return e.outbox.Enqueue(ctx, topic, op, payload)
}

// SetOnline relays the environment's online/offline signal.
func (e *Engine) SetOnline(online bool) { e.outbox.SetOnline(online) }

// Online reports the outbox gate.
func (e *Engine) Online() bool { return e.outbox.Online() }

// NotifyTyping broadcasts the local actor's typing state on a messages
// topic. Starts are throttled to one per half typing timeout.
func (e *Engine) NotifyTyping(ctx context.Context, topic domain.Topic, typing bool) error {
	if topic.Kind() != domain.TopicMessages {
		return domain.ErrInvalidTopic
	}
	if e.transport == nil {
		return ErrUnsupportedOperation
	}
	ev := domain.Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		ActorID:   e.opts.LocalActorID,
		CreatedAt: e.opts.Clock.Now().UTC(),
	}

	e.typingMu.Lock()
	if !typing {
		delete(e.typing, topic)
		e.typingMu.Unlock()
		ev.Kind = domain.KindTypingStopped
		return e.transport.Publish(ctx, ev)
	}
	s, ok := e.typing[topic]
	if !ok {
		s = &rate.Sometimes{Interval: e.opts.TypingTimeout / 2}
		e.typing[topic] = s
	}
	e.typingMu.Unlock()

	ev.Kind = domain.KindTypingStarted
	var err error
	s.Do(func() { err = e.transport.Publish(ctx, ev) })
	return err
}

// OutboxItems lists queued writes ordered by enqueue order.
func (e *Engine) OutboxItems() []domain.OutboxItem { return e.outbox.Items() }

// OutboxItem returns one queued write.
func (e *Engine) OutboxItem(localID string) (domain.OutboxItem, error) { return e.outbox.Get(localID) }

// RetryItem re-queues a failed write.
func (e *Engine) RetryItem(ctx context.Context, localID string) error {
	return e.outbox.Retry(ctx, localID)
}

// DiscardItem drops a failed write and its provisional entry.
func (e *Engine) DiscardItem(ctx context.Context, localID string) error {
	return e.outbox.Discard(ctx, localID)
}

// Mode returns the current transport mode.
func (e *Engine) Mode() domain.Mode { return e.health.CurrentMode() }

// TransportState returns the last observed push connection state.
func (e *Engine) TransportState() domain.ConnState { return e.health.State() }

// ResetTransport leaves a terminal failed state. Transports that gave up
// reconnecting are restarted; the monitor then takes the transport's
// current state so the two never disagree.
func (e *Engine) ResetTransport() {
	if e.transport == nil || !e.health.Reset() {
		return
	}
	if r, ok := e.transport.(push.Restarter); ok {
		if err := r.Restart(); err != nil {
			e.log.Warn().Err(err).Msg("transport restart failed")
		}
	}
	e.health.Observe(e.transport.State())
}

// ActiveTopics lists topics with subscribers.
func (e *Engine) ActiveTopics() []domain.Topic { return e.subs.Topics() }

// OnDeliveryFailure registers fn for outbox items that exhaust retries.
func (e *Engine) OnDeliveryFailure(fn func(DeliveryFailure)) (cancel func()) {
	return e.outbox.OnFailure(fn)
}

// OnConflict registers fn for provisional entries that were never confirmed.
func (e *Engine) OnConflict(fn func(ReconciliationConflict)) (cancel func()) {
	return e.conflicts.add(fn)
}
