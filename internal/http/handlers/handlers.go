// Package handlers provides the HTTP surface of the synchronization engine.
//
// Handlers are transport-thin: they parse and validate the topic and body,
// delegate to the engine, and translate engine errors into the standard
// ErrorResponse envelope (see response.go). Every route that names a topic
// takes it as the :topic path segment, e.g. /topics/incident:42:messages/view.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/incident-sync/internal/collab"
	"github.com/tbourn/incident-sync/internal/domain"
	"github.com/tbourn/incident-sync/internal/http/middleware"
)

//
// Contracts
//

// Engine is the subset of *collab.Engine the handlers call.
type Engine interface {
	Subscribe(ctx context.Context, topic domain.Topic) (collab.Handle, error)
	Unsubscribe(h collab.Handle) error
	GetView(topic domain.Topic) (collab.View, error)
	GetTypers(topic domain.Topic) ([]string, error)
	SubscribeToViewChanges(topic domain.Topic, fn func(collab.View)) (cancel func(), err error)
	SubscribeToTyperChanges(topic domain.Topic, fn func([]string)) (cancel func(), err error)
	SendLocal(ctx context.Context, topic domain.Topic, op domain.Operation, payload json.RawMessage) (string, error)
	NotifyTyping(ctx context.Context, topic domain.Topic, typing bool) error

	SetOnline(online bool)
	Online() bool

	OutboxItems() []domain.OutboxItem
	OutboxItem(localID string) (domain.OutboxItem, error)
	RetryItem(ctx context.Context, localID string) error
	DiscardItem(ctx context.Context, localID string) error

	Mode() domain.Mode
	TransportState() domain.ConnState
	ResetTransport()
	ActiveTopics() []domain.Topic
}

// History reads stored events directly from the data store, bypassing the
// reconciled views.
type History interface {
	FetchPage(ctx context.Context, topic domain.Topic, page, pageSize int) (domain.Page, error)
}

var _ Engine = (*collab.Engine)(nil)

//
// Wiring
//

// DefaultStreamHeartbeat is the SSE keep-alive period.
const DefaultStreamHeartbeat = 15 * time.Second

// Options tunes the handlers. Zero values select defaults.
type Options struct {
	StreamHeartbeat time.Duration
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	engine  Engine
	history History
	idem    *middleware.IdempotencyCache
	opts    Options
}

// New binds the handlers. idem may be nil, in which case Idempotency-Key
// headers are validated but replays are not answered from cache.
func New(engine Engine, history History, idem *middleware.IdempotencyCache, opts Options) *Handlers {
	if opts.StreamHeartbeat <= 0 {
		opts.StreamHeartbeat = DefaultStreamHeartbeat
	}
	return &Handlers{engine: engine, history: history, idem: idem, opts: opts}
}

//
// Helpers
//

// topicParam parses :topic, failing the request with 400 when malformed.
func topicParam(c *gin.Context) (domain.Topic, bool) {
	t, err := domain.ParseTopic(c.Param("topic"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidTopic, "topic must be incident:<id>:messages or user:<id>:notifications")
		return "", false
	}
	return t, true
}

// engineError maps engine errors onto status and code.
func engineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidTopic):
		fail(c, http.StatusBadRequest, ErrCodeInvalidTopic, err.Error())
	case errors.Is(err, collab.ErrUnknownTopic):
		fail(c, http.StatusNotFound, ErrCodeUnknownTopic, "topic is not subscribed")
	case errors.Is(err, collab.ErrUnknownHandle):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "subscription not found")
	case errors.Is(err, collab.ErrItemNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "outbox item not found")
	case errors.Is(err, collab.ErrItemNotFailed):
		fail(c, http.StatusConflict, ErrCodeItemNotFailed, "only failed items can be retried or discarded")
	case errors.Is(err, collab.ErrUnsupportedOperation):
		fail(c, http.StatusNotImplemented, ErrCodeUnsupported, "operation not supported by the configured transport")
	case errors.Is(err, collab.ErrEngineStopped):
		fail(c, http.StatusServiceUnavailable, ErrCodeEngineStopped, "sync engine is stopped")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "request cancelled")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
