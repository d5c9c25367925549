package domain

import (
	"encoding/json"
	"time"
)

// EventKind enumerates the facts carried on a topic.
type EventKind string

const (
	KindMessageCreated      EventKind = "message-created"
	KindNotificationCreated EventKind = "notification-created"
	KindTypingStarted       EventKind = "typing-started"
	KindTypingStopped       EventKind = "typing-stopped"
)

// EventKinds lists every kind in dispatch order.
var EventKinds = []EventKind{
	KindMessageCreated,
	KindNotificationCreated,
	KindTypingStarted,
	KindTypingStopped,
}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindMessageCreated, KindNotificationCreated, KindTypingStarted, KindTypingStopped:
		return true
	}
	return false
}

// IsPresence reports whether k is a typing signal rather than a stored fact.
func (k EventKind) IsPresence() bool {
	return k == KindTypingStarted || k == KindTypingStopped
}

// Event is an immutable fact on a topic. ID is server-assigned and unique
// within its topic; two events with the same ID are the same fact.
//
// Fields:
//   - ID: server id (empty only for local provisional entries).
//   - Topic / Kind: stream and fact type.
//   - ActorID: opaque actor identity used for attribution and matching.
//   - Payload: opaque JSON body; never interpreted beyond equality.
//   - CreatedAt: server timestamp used for ordering.
//   - ClientProvisionalID: echoed local id of the write that produced the event.
//   - ReadAt: set by mark-read on notifications.
type Event struct {
	ID                  string          `json:"id"                              gorm:"type:char(36);primaryKey"`
	Topic               Topic           `json:"topic"                           gorm:"type:varchar(128);not null;index:idx_topic_events,priority:1;index:idx_topic_provisional,priority:1"`
	Kind                EventKind       `json:"kind"                            gorm:"type:varchar(32);not null"`
	ActorID             string          `json:"actor_id,omitempty"              gorm:"type:varchar(64)"`
	Payload             json.RawMessage `json:"payload,omitempty"               gorm:"type:text"`
	CreatedAt           time.Time       `json:"created_at"                      gorm:"index:idx_topic_events,priority:2"`
	ClientProvisionalID string          `json:"client_provisional_id,omitempty" gorm:"type:varchar(64);index:idx_topic_provisional,priority:2"`
	ReadAt              *time.Time      `json:"read_at,omitempty"`
}

// TableName returns the database table name for Event.
func (Event) TableName() string { return "events" }

// Provisional reports whether the event is a local write not yet confirmed.
func (e Event) Provisional() bool { return e.ID == "" && e.ClientProvisionalID != "" }

// Key is the idempotency key: the server id, or the provisional id before
// confirmation.
func (e Event) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.ClientProvisionalID
}

// CreateInput is a write submitted to the data store. ClientProvisionalID
// lets the store dedupe replays and echo the id back on the created event.
type CreateInput struct {
	Topic               Topic           `json:"topic"`
	ActorID             string          `json:"actor_id"`
	ClientProvisionalID string          `json:"client_provisional_id"`
	Payload             json.RawMessage `json:"payload"`
}

// Page is one page returned by a paginated fetch.
type Page struct {
	Items   []Event `json:"items"`
	HasMore bool    `json:"has_more"`
}
