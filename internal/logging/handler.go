package logging

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	MessageIDKey contextKey = "msg_id"
	BackendKey   contextKey = "backend"
	WorkerIDKey  contextKey = "worker_id"
	AppKey       contextKey = "app"
	EventKey     contextKey = "event"
	HandlerKey   contextKey = "handler"
)

// ContextHandler wraps another slog.Handler and adds attributes from context.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler creates a handler that extracts values from context.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// Handle adds context attributes before calling the wrapped handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if msgID, ok := ctx.Value(MessageIDKey).(int64); ok {
		r.AddAttrs(slog.Int64("msg_id", msgID))
	}
	if backend, ok := ctx.Value(BackendKey).(string); ok {
		r.AddAttrs(slog.String("backend", backend))
	}
	if workerID, ok := ctx.Value(WorkerIDKey).(string); ok {
		r.AddAttrs(slog.String("worker_id", workerID))
	}
	if app, ok := ctx.Value(AppKey).(string); ok {
		r.AddAttrs(slog.String("app", app))
	}
	if event, ok := ctx.Value(EventKey).(string); ok {
		r.AddAttrs(slog.String("event", event))
	}
	if handler, ok := ctx.Value(HandlerKey).(string); ok {
		r.AddAttrs(slog.String("handler", handler))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs and WithGroup keep the context extraction on derived loggers.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// Helper functions to add values to context
func ContextWithMessageID(ctx context.Context, msgID int64) context.Context {
	return context.WithValue(ctx, MessageIDKey, msgID)
}

func ContextWithBackend(ctx context.Context, backend string) context.Context {
	return context.WithValue(ctx, BackendKey, backend)
}

func ContextWithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, WorkerIDKey, workerID)
}

func ContextWithApp(ctx context.Context, app string) context.Context {
	return context.WithValue(ctx, AppKey, app)
}

func ContextWithEvent(ctx context.Context, event string) context.Context {
	return context.WithValue(ctx, EventKey, event)
}

func ContextWithHandler(ctx context.Context, handler string) context.Context {
	return context.WithValue(ctx, HandlerKey, handler)
}
