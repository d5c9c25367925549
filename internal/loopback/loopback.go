// Package loopback serves the data-access role for a single-node server:
// writes land in the local event store and are then published on their
// topic so every subscriber, the writer included, sees the push echo.
package loopback

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tbourn/incident-sync/internal/collab"
	"github.com/tbourn/incident-sync/internal/domain"
	"github.com/tbourn/incident-sync/internal/push"
	"github.com/tbourn/incident-sync/internal/repo"
)

// Store implements collab.DataStore over an EventRepo and a push transport.
// bus may be nil, in which case writes are stored but not published.
type Store struct {
	events *repo.EventRepo
	bus    push.Transport
	log    zerolog.Logger
}

var _ collab.DataStore = (*Store)(nil)

func New(events *repo.EventRepo, bus push.Transport, log zerolog.Logger) *Store {
	return &Store{events: events, bus: bus, log: log.With().Str("component", "loopback").Logger()}
}

func (s *Store) FetchPage(ctx context.Context, topic domain.Topic, page, pageSize int) (domain.Page, error) {
	return s.events.FetchPage(ctx, topic, page, pageSize)
}

// Create stores the write and publishes the created event. A replayed
// write returns the stored event without publishing again.
func (s *Store) Create(ctx context.Context, in domain.CreateInput) (*domain.Event, error) {
	ev, created, err := s.events.CreateOnce(ctx, in)
	if err != nil {
		return nil, err
	}
	if created {
		s.publish(ctx, *ev)
	}
	return ev, nil
}

// MarkRead stamps the events and publishes their new read state.
func (s *Store) MarkRead(ctx context.Context, ids []string) error {
	if err := s.events.MarkRead(ctx, ids); err != nil {
		return err
	}
	if s.bus == nil {
		return nil
	}
	evs, err := s.events.Get(ctx, ids)
	if err != nil {
		s.log.Warn().Err(err).Msg("read events not reloaded for publish")
		return nil
	}
	for _, ev := range evs {
		s.publish(ctx, ev)
	}
	return nil
}

// publish failures are not write failures: subscribers catch up on the
// next snapshot.
func (s *Store) publish(ctx context.Context, ev domain.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("topic", ev.Topic.String()).Str("event_id", ev.ID).Msg("publish failed")
	}
}
