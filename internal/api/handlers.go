// Package api exposes the router over HTTP with gin.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/thrillee/smsrouter/internal/auth"
	"github.com/thrillee/smsrouter/internal/logging"
	"github.com/thrillee/smsrouter/internal/model"
	"github.com/thrillee/smsrouter/internal/router"
	"github.com/thrillee/smsrouter/internal/store"
	"github.com/thrillee/smsrouter/internal/textit"
)

// StatsFunc reports one component's state on /health.
type StatsFunc func() any

// Handler serves the router endpoints.
type Handler struct {
	router *router.Router
	store  store.Store
	gate   *auth.Gate
	debug  bool
	stats  map[string]StatsFunc
}

func NewHandler(r *router.Router, st store.Store, gate *auth.Gate, debug bool, stats map[string]StatsFunc) *Handler {
	return &Handler{router: r, store: st, gate: gate, debug: debug, stats: stats}
}

// SetupRoutes configures the gin engine with all API routes.
func (h *Handler) SetupRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)

	rg := r.Group("/router", h.requirePassword)
	{
		rg.GET("/receive", h.Receive)
		rg.GET("/outbox", h.Outbox)
		rg.GET("/delivered", h.Delivered)
		rg.POST("/delivered", h.Delivered)
		rg.POST("/send", h.Send)
		rg.GET("/messages", h.ListMessages)
		rg.GET("/messages/:id", h.GetMessage)
		rg.Any("/textit", h.TextIt)
	}
}

// requirePassword rejects requests without the shared secret when one is set.
func (h *Handler) requirePassword(c *gin.Context) {
	if !h.gate.Enabled() {
		c.Next()
		return
	}
	supplied := c.Query("password")
	if supplied == "" {
		supplied = c.PostForm("password")
	}
	if !h.gate.Allow(supplied) {
		slog.WarnContext(c.Request.Context(), "Rejected request with bad password", slog.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid password."})
		return
	}
	c.Next()
}

// Receive handles GET /router/receive
func (h *Handler) Receive(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "Receive")

	var req receiveRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		slog.WarnContext(logCtx, "Invalid receive request", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	in, err := h.router.HandleIncoming(logCtx, req.Backend, req.Sender, req.Message)
	if errors.Is(err, router.ErrInvalidSender) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if err != nil {
		slog.ErrorContext(logCtx, "Failed to handle incoming message", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to handle message"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   in.Message.JSON(),
		"responses": messagesJSON(in.Responses),
		"status":    "Message handled.",
	})
}

// Outbox handles GET /router/outbox
func (h *Handler) Outbox(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "Outbox")

	msgs, err := h.store.ListMessages(logCtx, store.ListParams{
		Status:    model.StatusQueued,
		Direction: model.DirectionOutgoing,
		Backend:   c.Query("backend"),
	})
	if err != nil {
		slog.ErrorContext(logCtx, "Failed to list outbox", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve outbox"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"outbox": messagesJSON(msgs), "status": "Outbox follows."})
}

// Delivered handles GET|POST /router/delivered
func (h *Handler) Delivered(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "Delivered")

	raw := c.Query("message_id")
	if raw == "" {
		raw = c.PostForm("message_id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: message_id must be an integer"})
		return
	}

	msg, err := h.router.MarkDelivered(logCtx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"status": "unknown message"})
	case errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		slog.ErrorContext(logCtx, "Failed to mark message delivered", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update message"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": msg.JSON(), "status": "Message marked as delivered."})
	}
}

// Send handles POST /router/send
func (h *Handler) Send(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "Send")

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(logCtx, "Failed to bind request JSON", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	msgs, err := h.router.SendBatch(logCtx, req.Messages)
	if errors.Is(err, router.ErrInvalidSender) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if err != nil {
		slog.ErrorContext(logCtx, "Failed to queue batch", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue messages", "messages": messagesJSON(msgs)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messagesJSON(msgs), "status": "Messages queued."})
}

// ListMessages handles GET /router/messages with filters and pagination
func (h *Handler) ListMessages(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "ListMessages")

	limit, offset := parsePagination(c)
	params := store.ListParams{
		Status:    model.Status(c.Query("status")),
		Direction: model.Direction(c.Query("direction")),
		Backend:   c.Query("backend"),
		Limit:     limit,
		Offset:    offset,
	}
	if params.Status != "" && !params.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status filter"})
		return
	}
	if params.Direction != "" && params.Direction != model.DirectionIncoming && params.Direction != model.DirectionOutgoing {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid direction filter"})
		return
	}

	msgs, err := h.store.ListMessages(logCtx, params)
	if err != nil {
		slog.ErrorContext(logCtx, "Failed to list messages", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve messages"})
		return
	}
	c.JSON(http.StatusOK, paginatedListResponse{
		Data:       messagesJSON(msgs),
		Pagination: paginationResponse{Limit: limit, Offset: offset},
	})
}

// GetMessage handles GET /router/messages/:id
func (h *Handler) GetMessage(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "GetMessage")

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message ID format"})
		return
	}
	logCtx = logging.ContextWithMessageID(logCtx, id)

	msg, err := h.store.GetMessage(logCtx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
		return
	}
	if err != nil {
		slog.ErrorContext(logCtx, "Failed to get message", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve message"})
		return
	}

	derrs, err := h.store.DeliveryErrors(logCtx, id)
	if err != nil {
		slog.ErrorContext(logCtx, "Failed to list delivery errors", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve message"})
		return
	}
	responses, err := h.store.Responses(logCtx, id)
	if err != nil {
		slog.ErrorContext(logCtx, "Failed to list responses", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve message"})
		return
	}

	resp := messageDetailResponse{
		Message:      msg.JSON(),
		ExternalID:   msg.ExternalID,
		InResponseTo: msg.InResponseTo,
		SentAt:       msg.SentAt,
		DeliveredAt:  msg.DeliveredAt,
		Errors:       make([]deliveryErrorResponse, len(derrs)),
		Responses:    messagesJSON(responses),
	}
	for i, d := range derrs {
		resp.Errors[i] = deliveryErrorResponse{Date: d.CreatedAt, Log: d.Log}
	}
	c.JSON(http.StatusOK, resp)
}

// TextIt handles the TextIt webhook at /router/textit
func (h *Handler) TextIt(c *gin.Context) {
	logCtx := logging.ContextWithHandler(c.Request.Context(), "TextIt")
	if h.debug {
		c.Header("Access-Control-Allow-Origin", "*")
	}

	if c.Request.Method != http.MethodPost {
		c.String(http.StatusBadRequest, "Invalid method, must be POST")
		return
	}
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "Invalid form: "+err.Error())
		return
	}

	event := c.Request.PostForm.Get("event")
	if !textit.IsSMSEvent(event) {
		c.String(http.StatusOK, router.TextItIgnored)
		return
	}
	ev, err := textit.ParseSMSEvent(c.Request.PostForm)
	if err != nil {
		slog.WarnContext(logCtx, "Invalid TextIt event", slog.String("event", event), slog.Any("error", err))
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	reply, err := h.router.HandleTextItEvent(logCtx, ev)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		c.String(http.StatusConflict, err.Error())
	case err != nil:
		slog.ErrorContext(logCtx, "Failed to apply TextIt event", slog.Any("error", err))
		c.String(http.StatusInternalServerError, "error handling event")
	default:
		c.String(http.StatusOK, reply)
	}
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	for name, fn := range h.stats {
		resp[name] = fn()
	}
	c.JSON(http.StatusOK, resp)
}
