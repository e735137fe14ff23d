package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thrillee/smsrouter/internal/app"
	"github.com/thrillee/smsrouter/internal/backend"
	"github.com/thrillee/smsrouter/internal/logging"
	"github.com/thrillee/smsrouter/internal/model"
)

// Incoming is a handled message plus the replies it produced, in order.
type Incoming struct {
	Message   *model.Message
	Responses []*model.Message
}

// HandleIncoming stores a received message, runs the incoming phases over it
// and queues any replies the applications produced.
func (r *Router) HandleIncoming(ctx context.Context, backendName, sender, text string) (*Incoming, error) {
	if err := r.Start(ctx); err != nil {
		return nil, err
	}

	identity := backend.NormalizeIdentity(sender)
	if identity == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSender, sender)
	}
	conn, err := r.store.GetOrCreateConnection(ctx, backendName, identity)
	if err != nil {
		return nil, fmt.Errorf("resolve connection: %w", err)
	}

	msg, err := r.store.CreateMessage(ctx, model.NewMessage{
		Connection: conn,
		Text:       text,
		Direction:  model.DirectionIncoming,
		Status:     model.StatusReceived,
	})
	if err != nil {
		return nil, fmt.Errorf("store incoming message: %w", err)
	}

	ctx = logging.ContextWithMessageID(logging.ContextWithBackend(ctx, backendName), msg.ID)
	slog.InfoContext(ctx, "Incoming message received", slog.String("sender", identity))

	in := app.NewIncomingMessage(msg)
	r.runIncoming(ctx, in)

	handled, err := r.transition(ctx, msg.ID, model.StatusHandled)
	if err != nil {
		return nil, fmt.Errorf("mark handled: %w", err)
	}

	result := &Incoming{Message: handled}
	for _, reply := range in.Responses() {
		out, err := r.HandleOutgoing(ctx, conn, reply, handled)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to queue reply", slog.Any("error", err))
			continue
		}
		result.Responses = append(result.Responses, out)
	}
	return result, nil
}

// runIncoming executes filter, parse, handle, default and cleanup in order.
func (r *Router) runIncoming(ctx context.Context, in *app.IncomingMessage) {
	for _, a := range r.apps {
		f, ok := a.(app.Filterer)
		if !ok {
			continue
		}
		var drop bool
		r.call(ctx, a, app.PhaseFilter, func(ctx context.Context) (err error) {
			drop, err = f.Filter(ctx, in)
			return err
		})
		if drop {
			slog.InfoContext(ctx, "Message filtered", slog.String("app", a.Name()))
			return
		}
	}

	for _, a := range r.apps {
		if p, ok := a.(app.Parser); ok {
			r.call(ctx, a, app.PhaseParse, func(ctx context.Context) error { return p.Parse(ctx, in) })
		}
	}

	for _, a := range r.apps {
		h, ok := a.(app.Handler)
		if !ok {
			continue
		}
		var done bool
		r.call(ctx, a, app.PhaseHandle, func(ctx context.Context) (err error) {
			done, err = h.Handle(ctx, in)
			return err
		})
		if done {
			in.Handled = true
			break
		}
	}

	if !in.Handled {
		for _, a := range r.apps {
			d, ok := a.(app.Defaulter)
			if !ok {
				continue
			}
			var done bool
			r.call(ctx, a, app.PhaseDefault, func(ctx context.Context) (err error) {
				done, err = d.Default(ctx, in)
				return err
			})
			if done {
				break
			}
		}
	}

	for _, a := range r.apps {
		if c, ok := a.(app.Cleaner); ok {
			r.call(ctx, a, app.PhaseCleanup, func(ctx context.Context) error { return c.Cleanup(ctx, in) })
		}
	}
}
