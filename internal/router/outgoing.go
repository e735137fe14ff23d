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

// HandleOutgoing stores a message for conn, runs the outgoing phase in reverse
// application order and queues it unless an application vetoed it. It never
// waits on the network send.
func (r *Router) HandleOutgoing(ctx context.Context, conn model.Connection, text string, source *model.Message) (*model.Message, error) {
	if err := r.Start(ctx); err != nil {
		return nil, err
	}

	// with an engine, Processing keeps workers off the row until the veto ran
	initial := model.StatusProcessing
	if r.engine == nil {
		initial = model.StatusQueued
	}

	nm := model.NewMessage{
		Connection: conn,
		Text:       text,
		Direction:  model.DirectionOutgoing,
		Status:     initial,
	}
	if source != nil {
		id := source.ID
		nm.InResponseTo = &id
	}
	msg, err := r.store.CreateMessage(ctx, nm)
	if err != nil {
		return nil, fmt.Errorf("store outgoing message: %w", err)
	}
	ctx = logging.ContextWithMessageID(logging.ContextWithBackend(ctx, conn.Backend), msg.ID)

	out := &app.OutgoingMessage{Message: msg, Connection: conn, Text: text, Source: source}
	if vetoedBy := r.runOutgoing(ctx, out); vetoedBy != "" {
		slog.InfoContext(ctx, "Outgoing message cancelled", slog.String("app", vetoedBy))
		return r.transition(ctx, msg.ID, model.StatusCancelled)
	}

	if initial == model.StatusProcessing {
		if msg, err = r.transition(ctx, msg.ID, model.StatusQueued); err != nil {
			return nil, fmt.Errorf("queue outgoing message: %w", err)
		}
		r.engine.Notify(1)
	}
	slog.InfoContext(ctx, "Outgoing message queued", slog.String("recipient", conn.Identity))
	return msg, nil
}

// runOutgoing returns the name of the vetoing application, or "".
func (r *Router) runOutgoing(ctx context.Context, out *app.OutgoingMessage) string {
	for i := len(r.apps) - 1; i >= 0; i-- {
		a := r.apps[i]
		h, ok := a.(app.OutgoingHandler)
		if !ok {
			continue
		}
		send := true
		r.call(ctx, a, app.PhaseOutgoing, func(ctx context.Context) (err error) {
			var keep bool
			keep, err = h.Outgoing(ctx, out)
			if err == nil {
				send = keep
			}
			return err
		})
		if !send {
			return a.Name()
		}
	}
	return ""
}

// OutgoingRequest is one message of a batch send.
type OutgoingRequest struct {
	Backend   string `json:"backend" binding:"required,max=32"`
	Recipient string `json:"recipient" binding:"required,max=20"`
	Text      string `json:"text" binding:"required"`
}

// SendBatch queues many messages with the engine suspended, so workers start
// on the batch only once all of it is stored.
func (r *Router) SendBatch(ctx context.Context, reqs []OutgoingRequest) ([]*model.Message, error) {
	// every recipient is checked before anything is stored
	identities := make([]string, len(reqs))
	for i, req := range reqs {
		identities[i] = backend.NormalizeIdentity(req.Recipient)
		if identities[i] == "" {
			return nil, fmt.Errorf("message %d: %w: %q", i, ErrInvalidSender, req.Recipient)
		}
	}

	if r.engine != nil {
		r.engine.Suspend()
		defer func() {
			r.engine.Resume()
			r.engine.Notify(len(reqs))
		}()
	}

	msgs := make([]*model.Message, 0, len(reqs))
	for i, req := range reqs {
		conn, err := r.store.GetOrCreateConnection(ctx, req.Backend, identities[i])
		if err != nil {
			return msgs, fmt.Errorf("message %d: resolve connection: %w", i, err)
		}
		msg, err := r.HandleOutgoing(ctx, conn, req.Text, nil)
		if err != nil {
			return msgs, fmt.Errorf("message %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	slog.InfoContext(ctx, "Batch queued", slog.Int("count", len(msgs)))
	return msgs, nil
}
