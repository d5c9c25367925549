// Topic HTTP handlers.
//
//   - POST   /topics/{topic}/subscriptions   (register interest, returns a handle)
//   - DELETE /subscriptions/{handle}         (release a handle)
//   - GET    /topics/{topic}/view            (reconciled view)
//   - GET    /topics/{topic}/typers          (remote actors typing)
//   - GET    /topics/{topic}/stream          (SSE of views and typers)
//   - GET    /topics/{topic}/history         (raw stored events, paginated)
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/incident-sync/internal/collab"
	"github.com/tbourn/incident-sync/internal/domain"
	"github.com/tbourn/incident-sync/internal/http/middleware"
	"github.com/tbourn/incident-sync/internal/utils"
)

// SubscribeResponse carries the handle to pass to DELETE /subscriptions.
type SubscribeResponse struct {
	Handle uint64       `json:"handle" example:"7"`
	Topic  domain.Topic `json:"topic"  example:"incident:42:messages"`
}

// TypersResponse lists remote actors currently typing.
type TypersResponse struct {
	Topic  domain.Topic `json:"topic"  example:"incident:42:messages"`
	Typers []string     `json:"typers"`
}

// HistoryResponse is one page of stored events, newest first.
type HistoryResponse struct {
	Items    []domain.Event `json:"items"`
	HasMore  bool           `json:"has_more"`
	Page     int            `json:"page"      example:"1"`
	PageSize int            `json:"page_size" example:"50"`
}

// Subscribe godoc
// @ID          subscribe
// @Summary     Subscribe to a topic
// @Description Opens the topic's view (push or poll, depending on transport health) and returns a handle.
// @Tags        Topics
// @Produce     json
// @Param       topic  path  string  true  "Topic name"  example(incident:42:messages)
// @Success     201  {object}  handlers.SubscribeResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid topic"
// @Failure     503  {object}  handlers.ErrorResponse  "Engine stopped"
// @Router      /topics/{topic}/subscriptions [post]
func (h *Handlers) Subscribe(c *gin.Context) {
	topic, okTopic := topicParam(c)
	if !okTopic {
		return
	}
	hd, err := h.engine.Subscribe(c.Request.Context(), topic)
	if err != nil {
		engineError(c, err)
		return
	}
	ok(c, http.StatusCreated, SubscribeResponse{Handle: uint64(hd), Topic: topic})
}

// Unsubscribe godoc
// @ID          unsubscribe
// @Summary     Release a subscription handle
// @Tags        Topics
// @Param       handle  path  int  true  "Handle returned by subscribe"
// @Success     204
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown handle"
// @Router      /subscriptions/{handle} [delete]
func (h *Handlers) Unsubscribe(c *gin.Context) {
	n, err := strconv.ParseUint(c.Param("handle"), 10, 64)
	if err != nil || n == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "handle must be a positive integer")
		return
	}
	if err := h.engine.Unsubscribe(collab.Handle(n)); err != nil {
		engineError(c, err)
		return
	}
	noContent(c)
}

// GetView godoc
// @ID          getView
// @Summary     Reconciled view of a subscribed topic
// @Description Entries are ordered by created_at; provisional local writes carry state "provisional".
// @Tags        Topics
// @Produce     json
// @Param       topic  path  string  true  "Topic name"  example(incident:42:messages)
// @Success     200  {object}  collab.View
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Topic not subscribed"
// @Router      /topics/{topic}/view [get]
func (h *Handlers) GetView(c *gin.Context) {
	topic, okTopic := topicParam(c)
	if !okTopic {
		return
	}
	v, err := h.engine.GetView(topic)
	if err != nil {
		engineError(c, err)
		return
	}
	ok(c, http.StatusOK, v)
}

// GetTypers godoc
// @ID          getTypers
// @Summary     Remote actors typing on a topic
// @Tags        Topics
// @Produce     json
// @Param       topic  path  string  true  "Topic name"  example(incident:42:messages)
// @Success     200  {object}  handlers.TypersResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Topic not subscribed"
// @Router      /topics/{topic}/typers [get]
func (h *Handlers) GetTypers(c *gin.Context) {
	topic, okTopic := topicParam(c)
	if !okTopic {
		return
	}
	typers, err := h.engine.GetTypers(topic)
	if err != nil {
		engineError(c, err)
		return
	}
	if typers == nil {
		typers = []string{}
	}
	ok(c, http.StatusOK, TypersResponse{Topic: topic, Typers: typers})
}

// History godoc
// @ID          history
// @Summary     Stored events of a topic
// @Description Reads the data store directly, newest first. Provisional local writes are not included.
// @Tags        Topics
// @Produce     json
// @Param       topic      path   string  true   "Topic name"  example(incident:42:messages)
// @Param       page       query  int     false  "1-based page"        default(1)
// @Param       page_size  query  int     false  "Page size (max 200)" default(50)
// @Success     200  {object}  handlers.HistoryResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /topics/{topic}/history [get]
func (h *Handlers) History(c *gin.Context) {
	topic, okTopic := topicParam(c)
	if !okTopic {
		return
	}
	page, size := utils.PageParams(c.Query("page"), c.Query("page_size"), 50, 200)
	p, err := h.history.FetchPage(c.Request.Context(), topic, page, size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeHistoryFailed, err.Error())
		return
	}
	items := p.Items
	if items == nil {
		items = []domain.Event{}
	}
	ok(c, http.StatusOK, HistoryResponse{Items: items, HasMore: p.HasMore, Page: page, PageSize: size})
}

// latest is a one-slot mailbox that keeps only the newest value.
type latest[T any] struct{ ch chan T }

func newLatest[T any]() latest[T] { return latest[T]{ch: make(chan T, 1)} }

func (l latest[T]) put(v T) {
	for {
		select {
		case l.ch <- v:
			return
		default:
		}
		select {
		case <-l.ch:
		default:
		}
	}
}

// Stream godoc
// @ID          stream
// @Summary     Server-sent events for a topic
// @Description Holds a subscription for the lifetime of the connection. Emits "view" with the full
// @Description reconciled view on every change, "typers" when the typer set changes, and "ping" as keep-alive.
// @Description Slow readers skip intermediate views; the newest one is always delivered.
// @Tags        Topics
// @Produce     text/event-stream
// @Param       topic  path  string  true  "Topic name"  example(incident:42:messages)
// @Success     200
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /topics/{topic}/stream [get]
func (h *Handlers) Stream(c *gin.Context) {
	topic, okTopic := topicParam(c)
	if !okTopic {
		return
	}
	ctx := c.Request.Context()
	hd, err := h.engine.Subscribe(ctx, topic)
	if err != nil {
		engineError(c, err)
		return
	}
	defer func() { _ = h.engine.Unsubscribe(hd) }()

	views := newLatest[collab.View]()
	typers := newLatest[[]string]()
	cancelView, err := h.engine.SubscribeToViewChanges(topic, views.put)
	if err != nil {
		engineError(c, err)
		return
	}
	defer cancelView()
	if cancelTypers, err := h.engine.SubscribeToTyperChanges(topic, typers.put); err == nil {
		defer cancelTypers()
	}

	done := middleware.MarkStream(c)
	defer done()
	// the server WriteTimeout would otherwise cut the stream
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	hdr := c.Writer.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	var (
		sent    uint64
		started bool
	)
	send := func(v collab.View) {
		if started && v.Version <= sent {
			return
		}
		sent, started = v.Version, true
		c.SSEvent("view", v)
		c.Writer.Flush()
	}
	if v, err := h.engine.GetView(topic); err == nil {
		send(v)
	}

	hb := time.NewTicker(h.opts.StreamHeartbeat)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-views.ch:
			send(v)
		case t := <-typers.ch:
			if t == nil {
				t = []string{}
			}
			c.SSEvent("typers", TypersResponse{Topic: topic, Typers: t})
			c.Writer.Flush()
		case <-hb.C:
			c.SSEvent("ping", gin.H{"mode": h.engine.Mode()})
			c.Writer.Flush()
		}
	}
}
