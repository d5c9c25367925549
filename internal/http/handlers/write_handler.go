// Local write HTTP handlers.
//
//   - POST /topics/{topic}/events   (create; queued in the outbox, shown provisionally)
//   - POST /topics/{topic}/read     (mark notifications read; queued in the outbox)
//   - PUT  /topics/{topic}/typing   (broadcast local typing state)
//
// Writes answer 202 Accepted with the outbox local id: delivery is
// asynchronous and survives restarts.
//
// Idempotency:
// When the client sends an Idempotency-Key that was already accepted on the
// same topic, the handler returns the original local id with
// `Idempotency-Replayed: true` and enqueues nothing.
package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/incident-sync/internal/domain"
	"github.com/tbourn/incident-sync/internal/http/middleware"
)

// maxIDsPerRead bounds a single mark-read request.
const maxIDsPerRead = 500

// CreateEventRequest is the body of a local create.
type CreateEventRequest struct {
	// Payload is stored and echoed verbatim; it must be a JSON object.
	Payload json.RawMessage `json:"payload" binding:"required" swaggertype:"object"`
}

// MarkReadRequest lists notification ids to mark read.
type MarkReadRequest struct {
	IDs []string `json:"ids" binding:"required,min=1,dive,required"`
}

// TypingRequest sets the local actor's typing state.
type TypingRequest struct {
	Typing *bool `json:"typing" binding:"required" example:"true"`
}

// AcceptedResponse acknowledges a queued write.
type AcceptedResponse struct {
	LocalID string       `json:"local_id" example:"0f8fad5b-d9cb-469f-a165-70867728950e"`
	Topic   domain.Topic `json:"topic"    example:"incident:42:messages"`
}

// replay answers from the idempotency cache. It reports whether the
// response was written.
func (h *Handlers) replay(c *gin.Context, topic domain.Topic) bool {
	if h.idem == nil || !middleware.IsReplay(c) {
		return false
	}
	key, _ := middleware.GetIdempotencyKey(c)
	id, found := h.idem.Get(c.Param("topic"), key)
	if !found {
		return false
	}
	c.Header(middleware.HeaderIdempotencyReplayed, "true")
	ok(c, http.StatusAccepted, AcceptedResponse{LocalID: id, Topic: topic})
	return true
}

func (h *Handlers) remember(c *gin.Context, localID string) {
	if h.idem == nil {
		return
	}
	if key, has := middleware.GetIdempotencyKey(c); has {
		h.idem.Put(c.Param("topic"), key, localID)
	}
}

func (h *Handlers) enqueue(c *gin.Context, topic domain.Topic, op domain.Operation, payload json.RawMessage) {
	id, err := h.engine.SendLocal(c.Request.Context(), topic, op, payload)
	if err != nil {
		engineError(c, err)
		return
	}
	h.remember(c, id)
	ok(c, http.StatusAccepted, AcceptedResponse{LocalID: id, Topic: topic})
}

// CreateEvent godoc
// @ID          createEvent
// @Summary     Send a local message or notification
// @Description Queues a create in the durable outbox. The entry shows up in the view as provisional
// @Description and is replaced in place once the server echo arrives.
// @Tags        Writes
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false  "Key for safe client retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       topic            path    string  true   "Topic name"  example(incident:42:messages)
// @Param       body             body    handlers.CreateEventRequest  true  "Payload"
// @Success     202  {object}  handlers.AcceptedResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse  "Engine stopped"
// @Router      /topics/{topic}/events [post]
func (h *Handlers) CreateEvent(c *gin.Context) {
	topic, okTopic := topicParam(c)
	if !okTopic {
		return
	}
	if h.replay(c, topic) {
		return
	}
	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payload required")
		return
	}
	payload := bytes.TrimSpace(req.Payload)
	if len(payload) == 0 || payload[0] != '{' {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payload must be a JSON object")
		return
	}
	h.enqueue(c, topic, domain.OpCreate, json.RawMessage(payload))
}

// MarkRead godoc
// @ID          markRead
// @Summary     Mark notifications read
// @Tags        Writes
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false  "Key for safe client retries"
// @Param       topic            path    string  true   "Notifications topic"  example(user:7:notifications)
// @Param       body             body    handlers.MarkReadRequest  true  "Ids to mark"
// @Success     202  {object}  handlers.AcceptedResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /topics/{topic}/read [post]
func (h *Handlers) MarkRead(c *gin.Context) {
	topic, okTopic := topicParam(c)
	if !okTopic {
		return
	}
	if topic.Kind() != domain.TopicNotifications {
		fail(c, http.StatusBadRequest, ErrCodeInvalidTopic, "mark-read applies to notification topics")
		return
	}
	if h.replay(c, topic) {
		return
	}
	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ids required")
		return
	}
	if len(req.IDs) > maxIDsPerRead {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "too many ids")
		return
	}
	payload, err := json.Marshal(domain.MarkReadPayload{IDs: req.IDs})
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeEnqueueFailed, err.Error())
		return
	}
	h.enqueue(c, topic, domain.OpMarkRead, payload)
}

// SetTyping godoc
// @ID          setTyping
// @Summary     Broadcast local typing state
// @Description Starts are throttled; repeated calls while typing are cheap.
// @Tags        Writes
// @Accept      json
// @Param       topic  path  string  true  "Messages topic"  example(incident:42:messages)
// @Param       body   body  handlers.TypingRequest  true  "Typing state"
// @Success     204
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     501  {object}  handlers.ErrorResponse  "No push transport"
// @Router      /topics/{topic}/typing [put]
func (h *Handlers) SetTyping(c *gin.Context) {
	topic, okTopic := topicParam(c)
	if !okTopic {
		return
	}
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "typing required")
		return
	}
	if err := h.engine.NotifyTyping(c.Request.Context(), topic, *req.Typing); err != nil {
		engineError(c, err)
		return
	}
	noContent(c)
}
