// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the event store used as the
// data-access collaborator: paginated fetch, idempotent create, mark-read.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/incident-sync/internal/domain"
	"github.com/tbourn/incident-sync/internal/retry"
)

// ErrInvalidEvent is returned for writes that can never succeed. It is
// wrapped with retry.Permanent so callers stop retrying.
var ErrInvalidEvent = errors.New("invalid event")

// EventRepo stores events in SQLite.
type EventRepo struct {
	db  *gorm.DB
	now func() time.Time
}

// NewEventRepo wraps db.
func NewEventRepo(db *gorm.DB) *EventRepo {
	return &EventRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// FetchPage returns page (1-based) of topic's events, newest first.
// Ordering is (created_at DESC, id DESC) so pages are stable.
func (r *EventRepo) FetchPage(ctx context.Context, topic domain.Topic, page, pageSize int) (domain.Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	var rows []domain.Event
	err := r.db.WithContext(ctx).
		Where("topic = ?", topic).
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize + 1).
		Find(&rows).Error
	if err != nil {
		return domain.Page{}, err
	}
	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}
	return domain.Page{Items: rows, HasMore: hasMore}, nil
}

// Create inserts the event for a write. A replay with the same
// (topic, client_provisional_id) returns the original event instead of
// creating a second one.
func (r *EventRepo) Create(ctx context.Context, in domain.CreateInput) (*domain.Event, error) {
	ev, _, err := r.CreateOnce(ctx, in)
	return ev, err
}

// CreateOnce is Create that also reports whether a new row was inserted.
func (r *EventRepo) CreateOnce(ctx context.Context, in domain.CreateInput) (*domain.Event, bool, error) {
	if in.Topic.Kind() == "" {
		return nil, false, retry.Permanent(errors.Join(ErrInvalidEvent, domain.ErrInvalidTopic))
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return nil, false, retry.Permanent(errors.Join(ErrInvalidEvent, errors.New("payload is not valid JSON")))
	}

	var out domain.Event
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cpid := strings.TrimSpace(in.ClientProvisionalID); cpid != "" {
			err := tx.Where("topic = ? AND client_provisional_id = ?", in.Topic, cpid).First(&out).Error
			if err == nil {
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		out = domain.Event{
			ID:                  uuid.NewString(),
			Topic:               in.Topic,
			Kind:                in.Topic.CreatedKind(),
			ActorID:             in.ActorID,
			Payload:             in.Payload,
			CreatedAt:           r.now(),
			ClientProvisionalID: strings.TrimSpace(in.ClientProvisionalID),
		}
		if err := tx.Create(&out).Error; err != nil {
			if isDuplicate(err) {
				return ErrDuplicate
			}
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

// Insert stores an event received from elsewhere, keeping its id and
// timestamp. Returns ErrDuplicate when the id already exists.
func (r *EventRepo) Insert(ctx context.Context, ev domain.Event) error {
	if ev.ID == "" || !ev.Kind.Valid() || ev.Kind.IsPresence() {
		return ErrInvalidEvent
	}
	if err := r.db.WithContext(ctx).Create(&ev).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// MarkRead stamps read_at on the given events. Already-read events and
// unknown ids are left alone.
func (r *EventRepo) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&domain.Event{}).
		Where("id IN ? AND read_at IS NULL", ids).
		Update("read_at", r.now()).Error
}

// Get fetches events by id, in no particular order.
func (r *EventRepo) Get(ctx context.Context, ids []string) ([]domain.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []domain.Event
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error
	return out, err
}
