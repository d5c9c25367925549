// Package push – watermill adapter
//
// Topics map one-to-one onto watermill topics, in-process over gochannel or
// across processes over Redis Streams.
package push

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tbourn/incident-sync/internal/domain"
)

// WatermillTransport carries events over a watermill Publisher/Subscriber.
// Topics map one-to-one onto watermill topics (Redis stream keys).
type WatermillTransport struct {
	pub message.Publisher
	sub message.Subscriber
	log zerolog.Logger

	ping      func(context.Context) error
	pingEvery time.Duration

	hub *stateHub

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[*watermillSubscription]struct{}
	closed bool
	closer func() error
	shared bool
}

// WatermillOption configures a WatermillTransport.
type WatermillOption func(*WatermillTransport)

// WithPing sets a liveness check run every interval. Without one the
// transport reports connected as soon as it starts.
func WithPing(every time.Duration, ping func(context.Context) error) WatermillOption {
	return func(t *WatermillTransport) {
		t.ping = ping
		t.pingEvery = every
	}
}

// WithCloser registers a function run after the publisher and subscriber close.
func WithCloser(fn func() error) WatermillOption {
	return func(t *WatermillTransport) { t.closer = fn }
}

// NewWatermill wraps an existing publisher/subscriber pair.
func NewWatermill(pub message.Publisher, sub message.Subscriber, log zerolog.Logger, opts ...WatermillOption) *WatermillTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &WatermillTransport{
		pub:    pub,
		sub:    sub,
		log:    log.With().Str("component", "push").Logger(),
		hub:    newStateHub(domain.StateConnecting),
		ctx:    ctx,
		cancel: cancel,
		subs:   map[*watermillSubscription]struct{}{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// NewInProcess returns a transport on an in-memory gochannel broker.
func NewInProcess(log zerolog.Logger) *WatermillTransport {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, NewWatermillLogger(log))
	t := NewWatermill(ch, ch, log)
	t.shared = true
	return t
}

// NewRedisStreams returns a transport on Redis Streams in fan-out mode, so
// every node sees every event on the topics it subscribes to.
func NewRedisStreams(addr string, pingEvery time.Duration, log zerolog.Logger) (*WatermillTransport, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	wlog := NewWatermillLogger(log)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wlog)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: marshaler,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, err
	}

	return NewWatermill(pub, sub, log,
		WithPing(pingEvery, func(ctx context.Context) error { return client.Ping(ctx).Err() }),
		WithCloser(client.Close),
	), nil
}

// Start begins state reporting. It does not block.
func (t *WatermillTransport) Start() {
	if t.ping == nil {
		t.hub.set(domain.StateConnected)
		return
	}
	go t.pingLoop()
}

func (t *WatermillTransport) pingLoop() {
	every := t.pingEvery
	if every <= 0 {
		every = 5 * time.Second
	}
	check := func() {
		ctx, cancel := context.WithTimeout(t.ctx, every)
		defer cancel()
		if err := t.ping(ctx); err != nil {
			if t.ctx.Err() == nil {
				t.log.Warn().Err(err).Msg("push ping failed")
				t.hub.set(domain.StateDisconnected)
			}
			return
		}
		t.hub.set(domain.StateConnected)
	}

	check()
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-tk.C:
			check()
		}
	}
}

func (t *WatermillTransport) State() domain.ConnState { return t.hub.State() }

func (t *WatermillTransport) WatchState(fn func(domain.ConnState)) func() { return t.hub.watch(fn) }

// Subscribe opens a watermill subscription for topic. The subscription lives
// until Unsubscribe or Close; ctx only bounds the subscribe call itself.
func (t *WatermillTransport) Subscribe(ctx context.Context, topic domain.Topic) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	subCtx, cancel := context.WithCancel(t.ctx)
	ch, err := t.sub.Subscribe(subCtx, topic.String())
	if err != nil {
		cancel()
		return nil, err
	}

	s := &watermillSubscription{
		dispatchTable: newDispatchTable(),
		topic:         topic,
		cancel:        cancel,
		done:          make(chan struct{}),
		owner:         t,
	}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.consume(ch, t.log.With().Str("topic", topic.String()).Logger())
	return s, nil
}

// Publish sends ev on its topic.
func (t *WatermillTransport) Publish(ctx context.Context, ev domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	msg := message.NewMessage(uuid.NewString(), b)
	msg.SetContext(ctx)
	return t.pub.Publish(ev.Topic.String(), msg)
}

// Close stops all subscriptions and releases the broker.
func (t *WatermillTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*watermillSubscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	t.cancel()
	t.hub.set(domain.StateDisconnected)

	err := t.pub.Close()
	if !t.shared {
		if e := t.sub.Close(); err == nil {
			err = e
		}
	}
	if t.closer != nil {
		if e := t.closer(); err == nil {
			err = e
		}
	}
	return err
}

type watermillSubscription struct {
	*dispatchTable
	topic  domain.Topic
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	owner  *WatermillTransport
}

func (s *watermillSubscription) consume(ch <-chan *message.Message, log zerolog.Logger) {
	defer close(s.done)
	for msg := range ch {
		ev, err := decodeEvent(msg.Payload)
		msg.Ack()
		if err != nil {
			log.Warn().Err(err).Str("msg_uuid", msg.UUID).Msg("dropping undecodable push message")
			continue
		}
		if ev.Topic == "" {
			ev.Topic = s.topic
		}
		s.dispatch(ev)
	}
}

func (s *watermillSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.close()
		s.cancel()
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
	})
	return nil
}
