// Package collab – Presence
//
// Typing indicators per topic, backed by expiring caches so a lost
// typing-stopped signal can never leave an actor stuck as typing.
package collab

import (
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/tbourn/incident-sync/internal/domain"
)

// DefaultTypingTimeout is how long a typing-started signal stays valid
// without a refresh.
const DefaultTypingTimeout = 3 * time.Second

// Presence aggregates typing actors per topic. Each entry maps an actor to
// its expiry; an actor is typing iff now < expiresAt. Expired entries are
// filtered on read and evicted by Sweep.
type Presence struct {
	clock   Clock
	timeout time.Duration
	local   string
	log     zerolog.Logger

	mu        sync.Mutex
	topics    map[domain.Topic]*ttlcache.Cache[string, time.Time]
	last      map[domain.Topic][]string
	listeners map[domain.Topic]*listenerSet[[]string]
}

// NewPresence returns an aggregator that hides localActor from readers.
func NewPresence(clock Clock, timeout time.Duration, localActor string, log zerolog.Logger) *Presence {
	if clock == nil {
		clock = SystemClock()
	}
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &Presence{
		clock:     clock,
		timeout:   timeout,
		local:     localActor,
		log:       log.With().Str("component", "presence").Logger(),
		topics:    map[domain.Topic]*ttlcache.Cache[string, time.Time]{},
		last:      map[domain.Topic][]string{},
		listeners: map[domain.Topic]*listenerSet[[]string]{},
	}
}

// Timeout returns the typing expiry.
func (p *Presence) Timeout() time.Duration { return p.timeout }

// Open starts tracking topic.
func (p *Presence) Open(topic domain.Topic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.topics[topic]; ok {
		return
	}
	p.topics[topic] = ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](p.timeout),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	p.listeners[topic] = &listenerSet[[]string]{}
}

// Close stops tracking topic and drops its entries.
func (p *Presence) Close(topic domain.Topic) {
	p.mu.Lock()
	c, ok := p.topics[topic]
	delete(p.topics, topic)
	delete(p.last, topic)
	delete(p.listeners, topic)
	p.mu.Unlock()
	if ok {
		c.DeleteAll()
		p.refreshGauge()
	}
}

// OnTypingStarted sets or refreshes actor's expiry to now + timeout.
func (p *Presence) OnTypingStarted(topic domain.Topic, actor string) {
	if actor == "" {
		return
	}
	p.update(topic, func(c *ttlcache.Cache[string, time.Time], now time.Time) {
		c.Set(actor, now.Add(p.timeout), p.timeout)
	})
}

// OnTypingStopped removes actor immediately.
func (p *Presence) OnTypingStopped(topic domain.Topic, actor string) {
	p.update(topic, func(c *ttlcache.Cache[string, time.Time], _ time.Time) {
		c.Delete(actor)
	})
}

// CurrentTypers returns the sorted remote actors typing on topic.
func (p *Presence) CurrentTypers(topic domain.Topic) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.topics[topic]
	if !ok {
		return []string{}
	}
	return p.typersLocked(c, p.clock.Now())
}

// OnChange registers fn for changes to the set of typers on topic.
func (p *Presence) OnChange(topic domain.Topic, fn func([]string)) (cancel func(), err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls, ok := p.listeners[topic]
	if !ok {
		return nil, ErrUnknownTopic
	}
	return ls.add(fn), nil
}

// Sweep evicts expired entries on every topic and notifies listeners of
// topics whose typer set shrank.
func (p *Presence) Sweep() {
	now := p.clock.Now()
	type notice struct {
		ls     *listenerSet[[]string]
		typers []string
	}
	var notices []notice

	p.mu.Lock()
	for topic, c := range p.topics {
		c.DeleteExpired()
		for actor, it := range c.Items() {
			if !now.Before(it.Value()) {
				c.Delete(actor)
			}
		}
		if typers, changed := p.diffLocked(topic, c, now); changed {
			notices = append(notices, notice{ls: p.listeners[topic], typers: typers})
		}
	}
	p.mu.Unlock()

	for _, n := range notices {
		n.ls.emit(n.typers)
	}
	if len(notices) > 0 {
		p.refreshGauge()
	}
}

func (p *Presence) update(topic domain.Topic, fn func(*ttlcache.Cache[string, time.Time], time.Time)) {
	p.mu.Lock()
	c, ok := p.topics[topic]
	if !ok {
		p.mu.Unlock()
		return
	}
	now := p.clock.Now()
	fn(c, now)
	typers, changed := p.diffLocked(topic, c, now)
	ls := p.listeners[topic]
	p.mu.Unlock()

	if changed {
		ls.emit(typers)
		p.refreshGauge()
	}
}

func (p *Presence) typersLocked(c *ttlcache.Cache[string, time.Time], now time.Time) []string {
	out := []string{}
	for actor, it := range c.Items() {
		if actor == p.local || !now.Before(it.Value()) {
			continue
		}
		out = append(out, actor)
	}
	slices.Sort(out)
	return out
}

func (p *Presence) diffLocked(topic domain.Topic, c *ttlcache.Cache[string, time.Time], now time.Time) ([]string, bool) {
	typers := p.typersLocked(c, now)
	prev := p.last[topic]
	if slices.Equal(prev, typers) {
		return typers, false
	}
	p.last[topic] = typers
	return typers, true
}

func (p *Presence) refreshGauge() {
	p.mu.Lock()
	now := p.clock.Now()
	n := 0
	for _, c := range p.topics {
		n += len(p.typersLocked(c, now))
	}
	p.mu.Unlock()
	typingActors.Set(float64(n))
}
