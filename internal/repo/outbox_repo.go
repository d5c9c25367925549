// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file persists outbox items so queued writes survive
// restarts.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/incident-sync/internal/domain"
)

// OutboxRepo stores outbox items in SQLite.
type OutboxRepo struct {
	db *gorm.DB
}

// NewOutboxRepo wraps db.
func NewOutboxRepo(db *gorm.DB) *OutboxRepo { return &OutboxRepo{db: db} }

// Save upserts it by local_id.
func (r *OutboxRepo) Save(ctx context.Context, it *domain.OutboxItem) error {
	if it == nil || it.LocalID == "" {
		return errors.New("outbox item needs a local id")
	}
	return r.db.WithContext(ctx).Save(it).Error
}

// Delete removes an item. Deleting a missing item is not an error.
func (r *OutboxRepo) Delete(ctx context.Context, localID string) error {
	return r.db.WithContext(ctx).Where("local_id = ?", localID).Delete(&domain.OutboxItem{}).Error
}

// List returns all items ordered by seq.
func (r *OutboxRepo) List(ctx context.Context) ([]domain.OutboxItem, error) {
	var out []domain.OutboxItem
	err := r.db.WithContext(ctx).Order("seq ASC").Find(&out).Error
	return out, err
}

// Get returns one item or ErrNotFound.
func (r *OutboxRepo) Get(ctx context.Context, localID string) (*domain.OutboxItem, error) {
	var it domain.OutboxItem
	err := r.db.WithContext(ctx).Where("local_id = ?", localID).First(&it).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}
