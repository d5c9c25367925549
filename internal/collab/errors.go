// Package collab is the client-side synchronization engine: transport health
// tracking, per-topic subscriptions with push/poll balancing, idempotent
// event reconciliation, typing presence, and the durable offline outbox.
//
// This file holds the error taxonomy. Transport and poll errors are absorbed
// internally; only delivery failures and reconciliation conflicts are
// surfaced, each scoped to one item.
package collab

import (
	"errors"
	"fmt"

	"github.com/tbourn/incident-sync/internal/domain"
)

var (
	// ErrUnknownTopic is returned when no view is open for the topic.
	ErrUnknownTopic = errors.New("topic not subscribed")

	// ErrUnknownHandle is returned by Unsubscribe for a handle that was never
	// issued or was already released.
	ErrUnknownHandle = errors.New("unknown subscription handle")

	// ErrItemNotFound indicates that no outbox item has the given local id.
	ErrItemNotFound = errors.New("outbox item not found")

	// ErrItemNotFailed is returned when retry/discard targets an item that is
	// still pending or in flight.
	ErrItemNotFailed = errors.New("outbox item is not failed")

	// ErrMissingEventID is returned when a server event arrives without an id.
	ErrMissingEventID = errors.New("event has no id")

	// ErrEngineStopped is returned by operations issued after Stop.
	ErrEngineStopped = errors.New("engine stopped")

	// ErrUnsupportedOperation is returned for an outbox operation the data
	// store cannot perform, or a push action with no transport.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// TransientTransportError wraps a push or poll failure for one topic. It is
// logged and drives mode fallback; it never reaches the UI.
type TransientTransportError struct {
	Topic domain.Topic
	Err   error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("transient transport error on %s: %v", e.Topic, e.Err)
}

func (e *TransientTransportError) Unwrap() error { return e.Err }

// DeliveryFailure reports an outbox item that exhausted its retries. The item
// stays in the outbox with status failed.
type DeliveryFailure struct {
	Item domain.OutboxItem
	Err  error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("delivery of %s (%s on %s) failed after %d attempts: %v",
		e.Item.LocalID, e.Item.Operation, e.Item.Topic, e.Item.Attempts, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

// ReconciliationConflict reports a provisional entry whose confirmed
// counterpart did not arrive within the grace window. The entry is kept and
// marked unconfirmed.
type ReconciliationConflict struct {
	Topic         domain.Topic
	ProvisionalID string
}

func (e *ReconciliationConflict) Error() string {
	return fmt.Sprintf("provisional %s on %s was never confirmed", e.ProvisionalID, e.Topic)
}
