package collab

import (
	"context"

	"github.com/tbourn/incident-sync/internal/domain"
)

// DataStore is the data-access collaborator. Implementations may wrap an
// error with retry.Permanent to stop retries for writes that can never
// succeed.
type DataStore interface {
	// FetchPage returns page (1-based) of topic's events, newest first.
	FetchPage(ctx context.Context, topic domain.Topic, page, pageSize int) (domain.Page, error)
	// Create submits a write. A nil event with a nil error means the store
	// accepted the write without returning the created event.
	Create(ctx context.Context, in domain.CreateInput) (*domain.Event, error)
	MarkRead(ctx context.Context, ids []string) error
}

// OutboxStore persists outbox items across restarts.
type OutboxStore interface {
	// Save inserts or updates an item by LocalID.
	Save(ctx context.Context, it *domain.OutboxItem) error
	Delete(ctx context.Context, localID string) error
	// List returns every item ordered by Seq.
	List(ctx context.Context) ([]domain.OutboxItem, error)
}
