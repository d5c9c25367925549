// Package collab – Outbox
//
// This file implements the durable offline outbox: local writes are
// persisted, drained FIFO per topic through the retry policy while online,
// and kept as failed items for manual retry or discard when delivery gives up.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/incident-sync/internal/domain"
	"github.com/tbourn/incident-sync/internal/retry"
)

// maxParallelTopics bounds how many topics drain at once.
const maxParallelTopics = 4

// errWentOffline ends a delivery when the gate closes between attempts.
var errWentOffline = errors.New("outbox went offline")

// Outbox is the durable queue of local writes.
//
// Items drain FIFO within a topic; topics drain independently. Only one
// drain pass runs at a time and calls made during a pass are folded into
// one follow-up pass. An item is marked in-flight before its first attempt
// so a re-entered drain can never send it twice. Items that exhaust their
// retries stay in the queue as failed until retried or discarded.
type Outbox struct {
	store  OutboxStore
	data   DataStore
	rec    *Reconciler
	policy retry.Policy
	clock  Clock
	actor  string
	log    zerolog.Logger

	onFailure listenerSet[DeliveryFailure]

	mu       sync.Mutex
	items    map[string]*domain.OutboxItem
	seq      int64
	online   bool
	draining bool
	rerun    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OutboxOptions configures NewOutbox.
type OutboxOptions struct {
	Policy  retry.Policy
	Clock   Clock
	ActorID string
	Online  bool
	Logger  zerolog.Logger
}

// NewOutbox builds an outbox. Call Recover before use to load persisted items.
func NewOutbox(store OutboxStore, data DataStore, rec *Reconciler, opts OutboxOptions) *Outbox {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		store:  store,
		data:   data,
		rec:    rec,
		policy: opts.Policy,
		clock:  opts.Clock,
		actor:  opts.ActorID,
		log:    opts.Logger.With().Str("component", "outbox").Logger(),
		items:  map[string]*domain.OutboxItem{},
		online: opts.Online,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Recover loads persisted items. Items left in-flight by a crash go back to
// pending; the store dedupes replays by local id.
func (o *Outbox) Recover(ctx context.Context) error {
	list, err := o.store.List(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range list {
		it := list[i]
		if it.Status == domain.OutboxInFlight {
			it.Status = domain.OutboxPending
			it.UpdatedAt = o.clock.Now()
			if err := o.store.Save(ctx, &it); err != nil {
				return err
			}
		}
		if it.Seq > o.seq {
			o.seq = it.Seq
		}
		o.items[it.LocalID] = &it
	}
	o.refreshGaugeLocked()
	if len(list) > 0 {
		o.log.Info().Int("items", len(list)).Msg("outbox recovered")
	}
	return nil
}

// Enqueue persists a write and, for creates, shows it provisionally. It
// returns the local id immediately; delivery happens in the background
// once online.
func (o *Outbox) Enqueue(ctx context.Context, topic domain.Topic, op domain.Operation, payload json.RawMessage) (string, error) {
	if !op.Valid() {
		return "", ErrUnsupportedOperation
	}
	if op == domain.OpMarkRead {
		var p domain.MarkReadPayload
		if err := json.Unmarshal(payload, &p); err != nil || len(p.IDs) == 0 {
			return "", errors.New("mark-read payload must be {\"ids\": [...]} with at least one id")
		}
	}
	if o.ctx.Err() != nil {
		return "", ErrEngineStopped
	}

	now := o.clock.Now()
	o.mu.Lock()
	o.seq++
	it := &domain.OutboxItem{
		LocalID:   uuid.NewString(),
		Seq:       o.seq,
		Topic:     topic,
		Operation: op,
		Payload:   payload,
		ActorID:   o.actor,
		Status:    domain.OutboxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Save(ctx, it); err != nil {
		o.seq--
		o.mu.Unlock()
		return "", err
	}
	o.items[it.LocalID] = it
	o.refreshGaugeLocked()
	online := o.online
	queued := *it
	o.mu.Unlock()

	if op == domain.OpCreate {
		if err := o.rec.AddQueued(queued); err != nil && !errors.Is(err, ErrUnknownTopic) {
			o.log.Warn().Err(err).Str("local_id", it.LocalID).Msg("provisional entry not added")
		}
	}
	o.log.Debug().Str("local_id", it.LocalID).Str("topic", topic.String()).Str("op", string(op)).Msg("enqueued")
	if online {
		o.Kick()
	}
	return it.LocalID, nil
}

// SetOnline gates draining. Going online starts a drain.
func (o *Outbox) SetOnline(online bool) {
	o.mu.Lock()
	was := o.online
	o.online = online
	o.mu.Unlock()
	if online && !was {
		o.log.Info().Msg("online; draining outbox")
		o.Kick()
	}
}

// Online reports the current gate.
func (o *Outbox) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// OnFailure registers fn for items that exhaust their retries.
func (o *Outbox) OnFailure(fn func(DeliveryFailure)) (cancel func()) { return o.onFailure.add(fn) }

// Kick starts a drain in the background.
func (o *Outbox) Kick() {
	if o.ctx.Err() != nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Drain(o.ctx)
	}()
}

// Drain delivers pending items and returns when the queue is idle or
// offline. A call made while another pass runs returns at once and the
// running pass repeats.
func (o *Outbox) Drain(ctx context.Context) {
	o.mu.Lock()
	if o.draining {
		o.rerun = true
		o.mu.Unlock()
		return
	}
	o.draining = true
	o.mu.Unlock()

	for {
		o.pass(ctx)

		o.mu.Lock()
		if !o.rerun || !o.online || ctx.Err() != nil {
			o.draining = false
			o.rerun = false
			o.mu.Unlock()
			return
		}
		o.rerun = false
		o.mu.Unlock()
	}
}

func (o *Outbox) pass(ctx context.Context) {
	byTopic := map[domain.Topic][]*domain.OutboxItem{}
	o.mu.Lock()
	if !o.online {
		o.mu.Unlock()
		return
	}
	for _, it := range o.items {
		if it.Status == domain.OutboxPending {
			byTopic[it.Topic] = append(byTopic[it.Topic], it)
		}
	}
	o.mu.Unlock()
	if len(byTopic) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(maxParallelTopics)
	for _, queue := range byTopic {
		sort.Slice(queue, func(i, j int) bool { return queue[i].Seq < queue[j].Seq })
		g.Go(func() error {
			o.drainTopic(ctx, queue)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Outbox) drainTopic(ctx context.Context, queue []*domain.OutboxItem) {
	for _, it := range queue {
		if ctx.Err() != nil || !o.Online() {
			return
		}
		snap, ok := o.begin(ctx, it.LocalID)
		if !ok {
			continue
		}
		o.deliver(ctx, snap)
	}
}

// begin flips an item from pending to in-flight and persists it.
func (o *Outbox) begin(ctx context.Context, localID string) (domain.OutboxItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	it, ok := o.items[localID]
	if !ok || it.Status != domain.OutboxPending {
		return domain.OutboxItem{}, false
	}
	it.Status = domain.OutboxInFlight
	it.UpdatedAt = o.clock.Now()
	if err := o.store.Save(ctx, it); err != nil {
		it.Status = domain.OutboxPending
		o.log.Warn().Err(err).Str("local_id", localID).Msg("could not mark in-flight")
		return domain.OutboxItem{}, false
	}
	o.refreshGaugeLocked()
	return *it, true
}

func (o *Outbox) deliver(ctx context.Context, it domain.OutboxItem) {
	ctx, span := otel.Tracer("collab/outbox").Start(ctx, "Outbox.Deliver",
		trace.WithAttributes(
			attribute.String("outbox.local_id", it.LocalID),
			attribute.String("outbox.topic", it.Topic.String()),
			attribute.String("outbox.operation", string(it.Operation)),
		))
	defer span.End()

	attempts := 0
	ev, err := retry.Do(ctx, o.policy, func(ctx context.Context) (*domain.Event, error) {
		if !o.Online() {
			return nil, retry.Permanent(errWentOffline)
		}
		attempts++
		ev, err := o.send(ctx, it)
		if err != nil && !retry.IsPermanent(err) && !o.Online() {
			// the failure is the network going away; it does not count
			attempts--
			return nil, retry.Permanent(errWentOffline)
		}
		return ev, err
	})
	span.SetAttributes(attribute.Int("outbox.attempts", attempts))

	if errors.Is(err, errWentOffline) {
		o.finish(context.WithoutCancel(ctx), it.LocalID, func(x *domain.OutboxItem) {
			x.Status = domain.OutboxPending
			x.Attempts += attempts
		})
		o.log.Info().Str("local_id", it.LocalID).Msg("offline mid-delivery; item requeued")
		return
	}
	if err != nil && ctx.Err() != nil {
		// shutting down mid-delivery; leave it for the next start
		o.finish(context.WithoutCancel(ctx), it.LocalID, func(x *domain.OutboxItem) {
			x.Status = domain.OutboxPending
			x.Attempts += attempts
		})
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outboxDeliveries.WithLabelValues("failed").Inc()
		final := o.finish(ctx, it.LocalID, func(x *domain.OutboxItem) {
			x.Status = domain.OutboxFailed
			x.Attempts += attempts
			x.LastError = err.Error()
		})
		if it.Operation == domain.OpCreate {
			_ = o.rec.MarkFailed(it.Topic, it.LocalID)
		}
		o.log.Error().Err(err).Str("local_id", it.LocalID).Str("topic", it.Topic.String()).
			Int("attempts", final.Attempts).Msg("outbox delivery failed")
		o.onFailure.emit(DeliveryFailure{Item: final, Err: err})
		return
	}

	outboxDeliveries.WithLabelValues("delivered").Inc()
	o.mu.Lock()
	delete(o.items, it.LocalID)
	o.refreshGaugeLocked()
	o.mu.Unlock()
	if err := o.store.Delete(context.WithoutCancel(ctx), it.LocalID); err != nil {
		o.log.Warn().Err(err).Str("local_id", it.LocalID).Msg("delivered item not removed from store")
	}

	if it.Operation != domain.OpCreate {
		return
	}
	var rerr error
	if ev != nil {
		rerr = o.rec.Confirm(it.Topic, it.LocalID, *ev)
	} else {
		rerr = o.rec.AwaitConfirmation(it.Topic, it.LocalID)
	}
	if rerr != nil && !errors.Is(rerr, ErrUnknownTopic) {
		o.log.Warn().Err(rerr).Str("local_id", it.LocalID).Msg("confirmation not reconciled")
	}
}

func (o *Outbox) send(ctx context.Context, it domain.OutboxItem) (*domain.Event, error) {
	switch it.Operation {
	case domain.OpCreate:
		return o.data.Create(ctx, domain.CreateInput{
			Topic:               it.Topic,
			ActorID:             it.ActorID,
			ClientProvisionalID: it.LocalID,
			Payload:             it.Payload,
		})
	case domain.OpMarkRead:
		var p domain.MarkReadPayload
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			return nil, retry.Permanent(err)
		}
		return nil, o.data.MarkRead(ctx, p.IDs)
	default:
		return nil, retry.Permanent(ErrUnsupportedOperation)
	}
}

// finish applies fn to the stored item and persists it, returning a copy.
func (o *Outbox) finish(ctx context.Context, localID string, fn func(*domain.OutboxItem)) domain.OutboxItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	it, ok := o.items[localID]
	if !ok {
		return domain.OutboxItem{LocalID: localID}
	}
	fn(it)
	it.UpdatedAt = o.clock.Now()
	if err := o.store.Save(ctx, it); err != nil {
		o.log.Warn().Err(err).Str("local_id", localID).Msg("outbox state not persisted")
	}
	o.refreshGaugeLocked()
	return *it
}

// Items returns every queued item ordered by Seq.
func (o *Outbox) Items() []domain.OutboxItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.OutboxItem, 0, len(o.items))
	for _, it := range o.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Get returns one item.
func (o *Outbox) Get(localID string) (domain.OutboxItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	it, ok := o.items[localID]
	if !ok {
		return domain.OutboxItem{}, ErrItemNotFound
	}
	return *it, nil
}

// Retry returns a failed item to pending with a fresh attempt budget. Its
// original position in the topic queue is kept.
func (o *Outbox) Retry(ctx context.Context, localID string) error {
	o.mu.Lock()
	it, ok := o.items[localID]
	if !ok {
		o.mu.Unlock()
		return ErrItemNotFound
	}
	if it.Status != domain.OutboxFailed {
		o.mu.Unlock()
		return ErrItemNotFailed
	}
	prev := *it
	it.Status = domain.OutboxPending
	it.Attempts = 0
	it.LastError = ""
	it.UpdatedAt = o.clock.Now()
	if err := o.store.Save(ctx, it); err != nil {
		*it = prev
		o.mu.Unlock()
		return err
	}
	o.refreshGaugeLocked()
	online := o.online
	o.mu.Unlock()

	if it.Operation == domain.OpCreate {
		_ = o.rec.MarkPending(it.Topic, localID)
	}
	if online {
		o.Kick()
	}
	return nil
}

// Discard removes a failed item and its provisional entry.
func (o *Outbox) Discard(ctx context.Context, localID string) error {
	o.mu.Lock()
	it, ok := o.items[localID]
	if !ok {
		o.mu.Unlock()
		return ErrItemNotFound
	}
	if it.Status != domain.OutboxFailed {
		o.mu.Unlock()
		return ErrItemNotFailed
	}
	if err := o.store.Delete(ctx, localID); err != nil {
		o.mu.Unlock()
		return err
	}
	delete(o.items, localID)
	o.refreshGaugeLocked()
	o.mu.Unlock()

	if it.Operation == domain.OpCreate {
		_ = o.rec.Discard(it.Topic, localID)
	}
	o.log.Info().Str("local_id", localID).Msg("outbox item discarded")
	return nil
}

// Restore re-adds provisional entries for queued creates on topic, used
// when a view is reopened.
func (o *Outbox) Restore(topic domain.Topic) {
	for _, it := range o.Items() {
		if it.Topic != topic || it.Operation != domain.OpCreate {
			continue
		}
		if err := o.rec.AddQueued(it); err != nil {
			return
		}
		if it.Status == domain.OutboxFailed {
			_ = o.rec.MarkFailed(topic, it.LocalID)
		}
	}
}

// Close stops background drains and waits for them. In-flight deliveries
// are returned to pending.
func (o *Outbox) Close() {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		o.log.Warn().Msg("outbox drain did not stop in time")
	}
}

func (o *Outbox) refreshGaugeLocked() {
	counts := map[domain.OutboxStatus]int{}
	for _, it := range o.items {
		counts[it.Status]++
	}
	for _, st := range []domain.OutboxStatus{domain.OutboxPending, domain.OutboxInFlight, domain.OutboxFailed} {
		outboxItems.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
