// Package collab – Reconciler
//
// This file owns the per-topic ReconciledView. Server events are merged
// idempotently by id and kept sorted by creation time, even when backfill
// arrives late. Local writes show up as provisional entries until their
// confirmed event replaces them. Entries whose confirmation never arrives
// are marked unconfirmed rather than removed.
package collab

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/incident-sync/internal/domain"
)

// DefaultConfirmGrace bounds how long a delivered write may wait for its
// confirmed event before the entry is marked unconfirmed.
const DefaultConfirmGrace = 30 * time.Second

// EntryState is how a view entry is rendered.
type EntryState string

const (
	EntryConfirmed   EntryState = "confirmed"
	EntryProvisional EntryState = "provisional"
	// EntryUnconfirmed: delivered, but no confirmed event arrived in time.
	EntryUnconfirmed EntryState = "unconfirmed"
	// EntryFailed: the outbox gave up delivering the write.
	EntryFailed EntryState = "failed"
)

// Entry is one row of a reconciled view.
type Entry struct {
	Event domain.Event `json:"event"`
	State EntryState   `json:"state"`

	// seq is the outbox position of a queued local write, 0 otherwise.
	seq int64
}

// View is an ordered, deduplicated snapshot of a topic. Entries are sorted
// by CreatedAt ascending. Within one instant, queued local writes follow
// other entries in queue order and the rest are ordered by key. Version
// increases on every visible change.
type View struct {
	Topic   domain.Topic `json:"topic"`
	Version uint64       `json:"version"`
	Entries []Entry      `json:"entries"`
}

// MergeOutcome classifies what a merge did to the view.
type MergeOutcome string

const (
	MergeInserted  MergeOutcome = "inserted"
	MergeReplaced  MergeOutcome = "replaced"
	MergeDuplicate MergeOutcome = "duplicate"
	// MergeConfirmed: a provisional entry was replaced by its confirmed event.
	MergeConfirmed MergeOutcome = "confirmed"
	MergeIgnored   MergeOutcome = "ignored"
)

type topicView struct {
	entries   []Entry
	version   uint64
	deadlines map[string]time.Time
	listeners listenerSet[View]
}

func (tv *topicView) snapshot(topic domain.Topic) View {
	out := make([]Entry, len(tv.entries))
	copy(out, tv.entries)
	return View{Topic: topic, Version: tv.version, Entries: out}
}

func entryLess(a, b Entry) bool {
	if !a.Event.CreatedAt.Equal(b.Event.CreatedAt) {
		return a.Event.CreatedAt.Before(b.Event.CreatedAt)
	}
	if (a.seq > 0) != (b.seq > 0) {
		return b.seq > 0
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.Event.Key() < b.Event.Key()
}

func (tv *topicView) insert(e Entry) {
	i := sort.Search(len(tv.entries), func(i int) bool {
		return entryLess(e, tv.entries[i])
	})
	tv.entries = append(tv.entries, Entry{})
	copy(tv.entries[i+1:], tv.entries[i:])
	tv.entries[i] = e
}

func (tv *topicView) removeAt(i int) Entry {
	e := tv.entries[i]
	tv.entries = append(tv.entries[:i], tv.entries[i+1:]...)
	return e
}

func (tv *topicView) indexByID(id string) int {
	for i := range tv.entries {
		if tv.entries[i].Event.ID == id {
			return i
		}
	}
	return -1
}

// indexByProvisional finds an unconfirmed local entry by its local id.
func (tv *topicView) indexByProvisional(localID string) int {
	if localID == "" {
		return -1
	}
	for i := range tv.entries {
		e := tv.entries[i]
		if e.State != EntryConfirmed && e.Event.ClientProvisionalID == localID {
			return i
		}
	}
	return -1
}

// indexByContent finds the oldest local entry from the same actor with an
// equivalent payload.
func (tv *topicView) indexByContent(ev domain.Event) int {
	if ev.ActorID == "" {
		return -1
	}
	want := canonicalPayload(ev.Payload)
	for i := range tv.entries {
		e := tv.entries[i]
		if e.State == EntryConfirmed || e.Event.ActorID != ev.ActorID {
			continue
		}
		if bytes.Equal(canonicalPayload(e.Event.Payload), want) {
			return i
		}
	}
	return -1
}

// canonicalPayload renders JSON with sorted keys and NFC-normalized strings
// so that payloads differing only in encoding compare equal.
func canonicalPayload(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return norm.NFC.Bytes(bytes.TrimSpace(raw))
	}
	b, err := json.Marshal(normalizeStrings(v))
	if err != nil {
		return norm.NFC.Bytes(bytes.TrimSpace(raw))
	}
	return b
}

func normalizeStrings(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		for i := range t {
			t[i] = normalizeStrings(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeStrings(val)
		}
		return out
	default:
		return v
	}
}

func sameEvent(a, b domain.Event) bool {
	if a.ID != b.ID || a.Kind != b.Kind || a.ActorID != b.ActorID ||
		!a.CreatedAt.Equal(b.CreatedAt) || a.ClientProvisionalID != b.ClientProvisionalID {
		return false
	}
	if (a.ReadAt == nil) != (b.ReadAt == nil) || (a.ReadAt != nil && !a.ReadAt.Equal(*b.ReadAt)) {
		return false
	}
	return bytes.Equal(canonicalPayload(a.Payload), canonicalPayload(b.Payload))
}

// apply merges one confirmed event. Caller holds the reconciler lock.
func (tv *topicView) apply(ev domain.Event) MergeOutcome {
	if i := tv.indexByID(ev.ID); i >= 0 {
		cur := tv.entries[i].Event
		if ev.ClientProvisionalID == "" {
			ev.ClientProvisionalID = cur.ClientProvisionalID
		}
		// read is one-way: a copy fetched before the mark-read landed must
		// not clear it
		if cur.ReadAt != nil {
			ev.ReadAt = cur.ReadAt
		}
		// a confirmed entry may be superseded by a newer copy of itself but
		// never by a provisional one, and a late echo still clears any local
		// twin that slipped in.
		twin := tv.indexByProvisional(ev.ClientProvisionalID)
		if sameEvent(cur, ev) && twin < 0 {
			return MergeDuplicate
		}
		tv.removeAt(i)
		if twin = tv.indexByProvisional(ev.ClientProvisionalID); twin >= 0 {
			tv.removeAt(twin)
			delete(tv.deadlines, ev.ClientProvisionalID)
		}
		tv.insert(Entry{Event: ev, State: EntryConfirmed})
		return MergeReplaced
	}

	j := tv.indexByProvisional(ev.ClientProvisionalID)
	if j < 0 && ev.ClientProvisionalID == "" {
		j = tv.indexByContent(ev)
	}
	if j >= 0 {
		local := tv.removeAt(j)
		delete(tv.deadlines, local.Event.ClientProvisionalID)
		if ev.ClientProvisionalID == "" {
			ev.ClientProvisionalID = local.Event.ClientProvisionalID
		}
		tv.insert(Entry{Event: ev, State: EntryConfirmed})
		return MergeConfirmed
	}

	tv.insert(Entry{Event: ev, State: EntryConfirmed})
	return MergeInserted
}

// Reconciler owns one ReconciledView per open topic and is the only writer
// to them. Views are created by Open and freed by Close.
type Reconciler struct {
	clock Clock
	grace time.Duration
	log   zerolog.Logger

	mu    sync.Mutex
	views map[domain.Topic]*topicView
}

// NewReconciler returns a reconciler with no open views.
func NewReconciler(clock Clock, grace time.Duration, log zerolog.Logger) *Reconciler {
	if clock == nil {
		clock = SystemClock()
	}
	if grace <= 0 {
		grace = DefaultConfirmGrace
	}
	return &Reconciler{
		clock: clock,
		grace: grace,
		log:   log.With().Str("component", "reconciler").Logger(),
		views: map[domain.Topic]*topicView{},
	}
}

// Open creates an empty view for topic if none exists.
func (r *Reconciler) Open(topic domain.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[topic]; !ok {
		r.views[topic] = &topicView{deadlines: map[string]time.Time{}}
	}
}

// Close frees the view and drops its listeners.
func (r *Reconciler) Close(topic domain.Topic) {
	r.mu.Lock()
	delete(r.views, topic)
	r.mu.Unlock()
}

// View returns a copy of the topic's current view.
func (r *Reconciler) View(topic domain.Topic) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tv, ok := r.views[topic]
	if !ok {
		return View{}, ErrUnknownTopic
	}
	return tv.snapshot(topic), nil
}

// OnChange registers fn for every visible change to topic's view.
func (r *Reconciler) OnChange(topic domain.Topic, fn func(View)) (cancel func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tv, ok := r.views[topic]
	if !ok {
		return nil, ErrUnknownTopic
	}
	return tv.listeners.add(fn), nil
}

// Merge folds one server event into its topic's view. Presence kinds are
// ignored. Merging the same event twice leaves the view unchanged.
func (r *Reconciler) Merge(ev domain.Event) (MergeOutcome, error) {
	outcomes, err := r.mergeAll(ev.Topic, []domain.Event{ev})
	if err != nil {
		return MergeIgnored, err
	}
	return outcomes[0], nil
}

// MergeSnapshot folds a batch of events fetched for topic, notifying
// listeners at most once.
func (r *Reconciler) MergeSnapshot(topic domain.Topic, events []domain.Event) (changed int, err error) {
	outcomes, err := r.mergeAll(topic, events)
	if err != nil {
		return 0, err
	}
	for _, o := range outcomes {
		if o != MergeDuplicate && o != MergeIgnored {
			changed++
		}
	}
	return changed, nil
}

func (r *Reconciler) mergeAll(topic domain.Topic, events []domain.Event) ([]MergeOutcome, error) {
	for _, ev := range events {
		if ev.ID == "" && ev.Kind.Valid() && !ev.Kind.IsPresence() {
			return nil, ErrMissingEventID
		}
	}

	r.mu.Lock()
	tv, ok := r.views[topic]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownTopic
	}
	outcomes := make([]MergeOutcome, len(events))
	changed := false
	for i, ev := range events {
		if ev.Kind.IsPresence() || !ev.Kind.Valid() {
			outcomes[i] = MergeIgnored
			continue
		}
		ev.Topic = topic
		outcomes[i] = tv.apply(ev)
		if outcomes[i] != MergeDuplicate {
			changed = true
		}
	}
	var snap View
	if changed {
		tv.version++
		snap = tv.snapshot(topic)
	}
	r.mu.Unlock()

	for i, o := range outcomes {
		merges.WithLabelValues(string(o)).Inc()
		r.log.Debug().Str("topic", topic.String()).Str("event_id", events[i].ID).Str("outcome", string(o)).Msg("merge")
	}
	if changed {
		tv.listeners.emit(snap)
	}
	return outcomes, nil
}

// AddProvisional shows a local write optimistically, keyed by localID.
func (r *Reconciler) AddProvisional(topic domain.Topic, localID, actorID string, payload json.RawMessage) error {
	return r.AddQueued(domain.OutboxItem{
		Topic:     topic,
		LocalID:   localID,
		ActorID:   actorID,
		Payload:   payload,
		CreatedAt: r.clock.Now(),
	})
}

// AddQueued shows a queued create as provisional at the time it was
// enqueued, ordered by its queue position among writes of the same instant.
func (r *Reconciler) AddQueued(it domain.OutboxItem) error {
	at := it.CreatedAt
	if at.IsZero() {
		at = r.clock.Now()
	}
	ev := domain.Event{
		Topic:               it.Topic,
		Kind:                it.Topic.CreatedKind(),
		ActorID:             it.ActorID,
		Payload:             it.Payload,
		CreatedAt:           at,
		ClientProvisionalID: it.LocalID,
	}
	return r.mutate(it.Topic, func(tv *topicView) bool {
		if tv.indexByProvisional(it.LocalID) >= 0 {
			return false
		}
		tv.insert(Entry{Event: ev, State: EntryProvisional, seq: it.Seq})
		return true
	})
}

// Confirm resolves a delivered write with the event the store returned.
func (r *Reconciler) Confirm(topic domain.Topic, localID string, ev domain.Event) error {
	if ev.ClientProvisionalID == "" {
		ev.ClientProvisionalID = localID
	}
	ev.Topic = topic
	_, err := r.Merge(ev)
	return err
}

// AwaitConfirmation starts the grace window for a delivered write whose
// confirmed event has not been seen yet.
func (r *Reconciler) AwaitConfirmation(topic domain.Topic, localID string) error {
	deadline := r.clock.Now().Add(r.grace)
	return r.mutate(topic, func(tv *topicView) bool {
		if tv.indexByProvisional(localID) < 0 {
			return false
		}
		tv.deadlines[localID] = deadline
		return false
	})
}

// MarkFailed renders the local entry as failed.
func (r *Reconciler) MarkFailed(topic domain.Topic, localID string) error {
	return r.setState(topic, localID, EntryFailed)
}

// MarkPending puts a failed or unconfirmed entry back to provisional.
func (r *Reconciler) MarkPending(topic domain.Topic, localID string) error {
	return r.setState(topic, localID, EntryProvisional)
}

// Discard removes a local entry that was never confirmed.
func (r *Reconciler) Discard(topic domain.Topic, localID string) error {
	return r.mutate(topic, func(tv *topicView) bool {
		i := tv.indexByProvisional(localID)
		if i < 0 {
			return false
		}
		tv.removeAt(i)
		delete(tv.deadlines, localID)
		return true
	})
}

// ExpireProvisional marks entries whose grace window has elapsed as
// unconfirmed and reports each as a conflict.
func (r *Reconciler) ExpireProvisional() []ReconciliationConflict {
	now := r.clock.Now()
	var conflicts []ReconciliationConflict
	type notice struct {
		tv   *topicView
		snap View
	}
	var notices []notice

	r.mu.Lock()
	for topic, tv := range r.views {
		changed := false
		for localID, deadline := range tv.deadlines {
			if now.Before(deadline) {
				continue
			}
			delete(tv.deadlines, localID)
			i := tv.indexByProvisional(localID)
			if i < 0 || tv.entries[i].State != EntryProvisional {
				continue
			}
			tv.entries[i].State = EntryUnconfirmed
			changed = true
			conflicts = append(conflicts, ReconciliationConflict{Topic: topic, ProvisionalID: localID})
		}
		if changed {
			tv.version++
			notices = append(notices, notice{tv: tv, snap: tv.snapshot(topic)})
		}
	}
	r.mu.Unlock()

	for _, n := range notices {
		n.tv.listeners.emit(n.snap)
	}
	for _, c := range conflicts {
		reconciliationConflicts.Inc()
		r.log.Warn().Str("topic", c.Topic.String()).Str("local_id", c.ProvisionalID).Msg("provisional entry unconfirmed")
	}
	return conflicts
}

func (r *Reconciler) setState(topic domain.Topic, localID string, st EntryState) error {
	return r.mutate(topic, func(tv *topicView) bool {
		i := tv.indexByProvisional(localID)
		if i < 0 || tv.entries[i].State == st {
			return false
		}
		tv.entries[i].State = st
		if st != EntryProvisional {
			delete(tv.deadlines, localID)
		}
		return true
	})
}

// mutate runs fn under the lock and notifies listeners if it reports a change.
func (r *Reconciler) mutate(topic domain.Topic, fn func(*topicView) bool) error {
	r.mu.Lock()
	tv, ok := r.views[topic]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownTopic
	}
	if !fn(tv) {
		r.mu.Unlock()
		return nil
	}
	tv.version++
	snap := tv.snapshot(topic)
	r.mu.Unlock()

	tv.listeners.emit(snap)
	return nil
}
