// Package router runs received messages through the application pipeline and
// hands outgoing messages to the delivery engine.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/thrillee/smsrouter/internal/app"
	"github.com/thrillee/smsrouter/internal/backend"
	"github.com/thrillee/smsrouter/internal/logging"
	"github.com/thrillee/smsrouter/internal/model"
	"github.com/thrillee/smsrouter/internal/store"
)

// ErrInvalidSender is returned when a sender normalizes to nothing.
var ErrInvalidSender = errors.New("sender has no letters or digits")

// Engine is the part of the delivery engine the router drives.
type Engine interface {
	Notify(n int)
	Suspend()
	Resume()
}

// Router owns the application pipeline. A nil engine puts it in outbox mode:
// outgoing messages stay Queued for external pickup.
type Router struct {
	store    store.Store
	engine   Engine
	apps     []app.App
	registry *backend.Registry

	mu      sync.Mutex
	started atomic.Bool
}

func New(st store.Store, engine Engine, apps []app.App, registry *backend.Registry) *Router {
	return &Router{
		store:    st,
		engine:   engine,
		apps:     apps,
		registry: registry,
	}
}

// Start runs each application's start hook and wakes the engine for messages
// left deliverable by a previous run. Only the first call does anything.
func (r *Router) Start(ctx context.Context) error {
	if r.started.Load() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.Load() {
		return nil
	}

	pending := 0
	if r.engine != nil {
		n, err := r.store.CountDeliverable(ctx)
		if err != nil {
			return fmt.Errorf("count pending messages: %w", err)
		}
		pending = n
	}

	for _, a := range r.apps {
		if s, ok := a.(app.Starter); ok {
			r.call(ctx, a, app.PhaseStart, func(ctx context.Context) error { return s.Start(ctx) })
		}
	}
	r.started.Store(true)

	if pending > 0 {
		slog.InfoContext(ctx, "Resuming pending outgoing messages", slog.Int("count", pending))
		r.engine.Notify(pending)
	}
	slog.InfoContext(ctx, "Router started", slog.Int("apps", len(r.apps)), slog.Bool("outbox_mode", r.engine == nil))
	return nil
}

// Apps returns the configured application names in pipeline order.
func (r *Router) Apps() []string {
	names := make([]string, len(r.apps))
	for i, a := range r.apps {
		names[i] = a.Name()
	}
	return names
}

// call runs one application callback, turning panics into errors and
// reporting any error to the application's exception hook.
func (r *Router) call(ctx context.Context, a app.App, phase app.Phase, fn func(ctx context.Context) error) {
	ctx = logging.ContextWithApp(ctx, a.Name())
	err := protect(func() error { return fn(ctx) })
	if err == nil {
		return
	}

	slog.ErrorContext(ctx, "Application callback failed", slog.String("phase", string(phase)), slog.Any("error", err))
	if h, ok := a.(app.ExceptionHandler); ok {
		if herr := protect(func() error { h.Exception(ctx, phase, err); return nil }); herr != nil {
			slog.ErrorContext(ctx, "Application exception hook failed", slog.Any("error", herr))
		}
	}
}

func protect(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn()
}

// transition applies a status change the router expects to be legal. An
// illegal or unknown target is logged and left alone.
func (r *Router) transition(ctx context.Context, id int64, to model.Status) (*model.Message, error) {
	msg, err := r.store.Transition(ctx, id, to)
	if errors.Is(err, store.ErrInvalidTransition) {
		slog.WarnContext(ctx, "Ignoring illegal status change", slog.String("to", to.String()), slog.Any("error", err))
	}
	return msg, err
}
