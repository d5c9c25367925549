package domain

import (
	"encoding/json"
	"time"
)

// Operation names a locally-originated write.
type Operation string

const (
	// OpCreate creates an event on the item's topic.
	OpCreate Operation = "create"
	// OpMarkRead marks the event ids in the payload as read.
	OpMarkRead Operation = "mark-read"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool { return op == OpCreate || op == OpMarkRead }

// OutboxStatus is the delivery state of an OutboxItem.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxInFlight  OutboxStatus = "in-flight"
	OutboxFailed    OutboxStatus = "failed"
	OutboxDelivered OutboxStatus = "delivered"
)

// MarkReadPayload is the payload shape of an OpMarkRead write.
type MarkReadPayload struct {
	IDs []string `json:"ids"`
}

// OutboxItem is a queued local write. Items are removed only once
// delivered; failed items stay until the user retries or discards them.
//
// Seq preserves FIFO order within a topic across restarts.
type OutboxItem struct {
	LocalID   string          `json:"local_id"           gorm:"type:char(36);primaryKey"`
	Seq       int64           `json:"seq"                gorm:"not null;index:idx_outbox_seq"`
	Topic     Topic           `json:"topic"              gorm:"type:varchar(128);not null;index"`
	Operation Operation       `json:"operation"          gorm:"type:varchar(16);not null"`
	Payload   json.RawMessage `json:"payload,omitempty"  gorm:"type:text"`
	ActorID   string          `json:"actor_id,omitempty" gorm:"type:varchar(64)"`
	Attempts  int             `json:"attempts"           gorm:"not null;default:0"`
	Status    OutboxStatus    `json:"status"             gorm:"type:varchar(16);not null;index;check:status IN ('pending','in-flight','failed','delivered')"`
	LastError string          `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TableName returns the database table name for OutboxItem.
func (OutboxItem) TableName() string { return "outbox_items" }
