package collabtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tbourn/incident-sync/internal/domain"
)

// DataStore is an in-memory data-access collaborator with hooks for
// injecting failures.
type DataStore struct {
	mu      sync.Mutex
	events  map[domain.Topic][]domain.Event
	nextID  int
	fetches map[domain.Topic]int
	created []domain.CreateInput
	read    [][]string

	// Now stamps created events. Defaults to time.Now.
	Now func() time.Time
	// CreateFunc, if set, replaces the default create behavior.
	CreateFunc func(ctx context.Context, in domain.CreateInput) (*domain.Event, error)
	// FetchFunc, if set, runs before every fetch; a non-nil error fails it.
	FetchFunc func(ctx context.Context, topic domain.Topic, page int) error
	// MarkReadErr fails every mark-read.
	MarkReadErr error
}

// NewDataStore returns an empty store.
func NewDataStore() *DataStore {
	return &DataStore{
		events:  map[domain.Topic][]domain.Event{},
		fetches: map[domain.Topic]int{},
	}
}

// Add seeds server-side events.
func (s *DataStore) Add(evs ...domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		s.events[ev.Topic] = append(s.events[ev.Topic], ev)
	}
}

func (s *DataStore) FetchPage(ctx context.Context, topic domain.Topic, page, pageSize int) (domain.Page, error) {
	if s.FetchFunc != nil {
		if err := s.FetchFunc(ctx, topic, page); err != nil {
			return domain.Page{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[topic]++

	all := append([]domain.Event(nil), s.events[topic]...)
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	start := (page - 1) * pageSize
	if start >= len(all) {
		return domain.Page{Items: []domain.Event{}}, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return domain.Page{Items: all[start:end], HasMore: end < len(all)}, nil
}

func (s *DataStore) Create(ctx context.Context, in domain.CreateInput) (*domain.Event, error) {
	s.mu.Lock()
	s.created = append(s.created, in)
	s.mu.Unlock()
	if s.CreateFunc != nil {
		return s.CreateFunc(ctx, in)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ev := domain.Event{
		ID:                  fmt.Sprintf("srv-%d", s.nextID),
		Topic:               in.Topic,
		Kind:                in.Topic.CreatedKind(),
		ActorID:             in.ActorID,
		Payload:             in.Payload,
		CreatedAt:           now(),
		ClientProvisionalID: in.ClientProvisionalID,
	}
	s.events[in.Topic] = append(s.events[in.Topic], ev)
	return &ev, nil
}

func (s *DataStore) MarkRead(ctx context.Context, ids []string) error {
	if s.MarkReadErr != nil {
		return s.MarkReadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = append(s.read, append([]string(nil), ids...))
	return nil
}

// Created returns every create call in order, including failed ones.
func (s *DataStore) Created() []domain.CreateInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CreateInput(nil), s.created...)
}

// Read returns every successful mark-read call.
func (s *DataStore) Read() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.read...)
}

// Fetches returns how many pages were fetched for topic.
func (s *DataStore) Fetches(topic domain.Topic) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[topic]
}

// OutboxStore is an in-memory outbox store.
type OutboxStore struct {
	mu    sync.Mutex
	items map[string]domain.OutboxItem
	// SaveErr fails every save.
	SaveErr error
}

// NewOutboxStore returns an empty store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{items: map[string]domain.OutboxItem{}}
}

func (s *OutboxStore) Save(_ context.Context, it *domain.OutboxItem) error {
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.LocalID] = *it
	return nil
}

func (s *OutboxStore) Delete(_ context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, localID)
	return nil
}

func (s *OutboxStore) List(context.Context) ([]domain.OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboxItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
