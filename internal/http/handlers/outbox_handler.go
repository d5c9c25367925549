// Outbox and connectivity HTTP handlers.
//
//   - GET    /outbox               (queued writes in enqueue order)
//   - GET    /outbox/{id}          (one queued write)
//   - POST   /outbox/{id}/retry    (re-queue a failed write)
//   - DELETE /outbox/{id}          (drop a failed write)
//   - GET    /connectivity         (online gate)
//   - PUT    /connectivity         (relay the environment's online signal)
//   - GET    /transport            (mode and raw push state)
//   - POST   /transport/reset      (clear a terminal failed state)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/incident-sync/internal/domain"
)

// OutboxResponse lists queued writes.
type OutboxResponse struct {
	Items []domain.OutboxItem `json:"items"`
}

// ConnectivityRequest sets the online gate.
type ConnectivityRequest struct {
	Online *bool `json:"online" binding:"required" example:"false"`
}

// ConnectivityResponse reports the online gate.
type ConnectivityResponse struct {
	Online bool `json:"online" example:"true"`
}

// TransportResponse reports delivery health.
type TransportResponse struct {
	Mode   domain.Mode      `json:"mode"          example:"push-primary"`
	State  domain.ConnState `json:"state"         example:"connected"`
	Online bool             `json:"online"        example:"true"`
	Topics []domain.Topic   `json:"active_topics"`
}

// ListOutbox godoc
// @ID          listOutbox
// @Summary     List queued writes
// @Tags        Outbox
// @Produce     json
// @Success     200  {object}  handlers.OutboxResponse
// @Router      /outbox [get]
func (h *Handlers) ListOutbox(c *gin.Context) {
	items := h.engine.OutboxItems()
	if items == nil {
		items = []domain.OutboxItem{}
	}
	ok(c, http.StatusOK, OutboxResponse{Items: items})
}

// GetOutboxItem godoc
// @ID          getOutboxItem
// @Summary     Get a queued write
// @Tags        Outbox
// @Produce     json
// @Param       id  path  string  true  "Local id"  format(uuid)
// @Success     200  {object}  domain.OutboxItem
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /outbox/{id} [get]
func (h *Handlers) GetOutboxItem(c *gin.Context) {
	it, err := h.engine.OutboxItem(c.Param("id"))
	if err != nil {
		engineError(c, err)
		return
	}
	ok(c, http.StatusOK, it)
}

// RetryOutboxItem godoc
// @ID          retryOutboxItem
// @Summary     Retry a failed write
// @Description Resets the attempt budget; the item keeps its place in the topic queue.
// @Tags        Outbox
// @Produce     json
// @Param       id  path  string  true  "Local id"  format(uuid)
// @Success     202  {object}  domain.OutboxItem
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     409  {object}  handlers.ErrorResponse  "Item is not failed"
// @Router      /outbox/{id}/retry [post]
func (h *Handlers) RetryOutboxItem(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.RetryItem(c.Request.Context(), id); err != nil {
		engineError(c, err)
		return
	}
	it, err := h.engine.OutboxItem(id)
	if err != nil {
		// delivered between the retry and the read
		noContent(c)
		return
	}
	ok(c, http.StatusAccepted, it)
}

// DiscardOutboxItem godoc
// @ID          discardOutboxItem
// @Summary     Discard a failed write
// @Description Removes the item and its provisional view entry.
// @Tags        Outbox
// @Param       id  path  string  true  "Local id"  format(uuid)
// @Success     204
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     409  {object}  handlers.ErrorResponse  "Item is not failed"
// @Router      /outbox/{id} [delete]
func (h *Handlers) DiscardOutboxItem(c *gin.Context) {
	if err := h.engine.DiscardItem(c.Request.Context(), c.Param("id")); err != nil {
		engineError(c, err)
		return
	}
	noContent(c)
}

// GetConnectivity godoc
// @ID          getConnectivity
// @Summary     Online gate
// @Tags        Connectivity
// @Produce     json
// @Success     200  {object}  handlers.ConnectivityResponse
// @Router      /connectivity [get]
func (h *Handlers) GetConnectivity(c *gin.Context) {
	ok(c, http.StatusOK, ConnectivityResponse{Online: h.engine.Online()})
}

// SetConnectivity godoc
// @ID          setConnectivity
// @Summary     Relay the online/offline signal
// @Description Going online drains the outbox in FIFO order per topic.
// @Tags        Connectivity
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.ConnectivityRequest  true  "Online state"
// @Success     200  {object}  handlers.ConnectivityResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /connectivity [put]
func (h *Handlers) SetConnectivity(c *gin.Context) {
	var req ConnectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "online required")
		return
	}
	h.engine.SetOnline(*req.Online)
	ok(c, http.StatusOK, ConnectivityResponse{Online: h.engine.Online()})
}

func (h *Handlers) transportStatus() TransportResponse {
	topics := h.engine.ActiveTopics()
	if topics == nil {
		topics = []domain.Topic{}
	}
	return TransportResponse{
		Mode:   h.engine.Mode(),
		State:  h.engine.TransportState(),
		Online: h.engine.Online(),
		Topics: topics,
	}
}

// GetTransport godoc
// @ID          getTransport
// @Summary     Delivery mode and push state
// @Tags        Transport
// @Produce     json
// @Success     200  {object}  handlers.TransportResponse
// @Router      /transport [get]
func (h *Handlers) GetTransport(c *gin.Context) {
	ok(c, http.StatusOK, h.transportStatus())
}

// ResetTransport godoc
// @ID          resetTransport
// @Summary     Clear a failed push transport
// @Description A failed transport stays in poll-fallback until reset.
// @Tags        Transport
// @Produce     json
// @Success     200  {object}  handlers.TransportResponse
// @Router      /transport/reset [post]
func (h *Handlers) ResetTransport(c *gin.Context) {
	h.engine.ResetTransport()
	ok(c, http.StatusOK, h.transportStatus())
}
