package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/thrillee/smsrouter/internal/logging"
	"github.com/thrillee/smsrouter/internal/model"
	"github.com/thrillee/smsrouter/internal/store"
	"github.com/thrillee/smsrouter/internal/textit"
)

// MarkDelivered applies a delivery report. An unknown id returns
// store.ErrNotFound and an out-of-order report a *store.TransitionError;
// neither changes anything.
func (r *Router) MarkDelivered(ctx context.Context, id int64) (*model.Message, error) {
	ctx = logging.ContextWithMessageID(ctx, id)
	msg, err := r.transition(ctx, id, model.StatusDelivered)
	if errors.Is(err, store.ErrNotFound) {
		slog.WarnContext(ctx, "Delivery report for unknown message")
	}
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Message delivered")
	return msg, nil
}

// TextIt webhook replies.
const (
	TextItHandled   = "message handled"
	TextItSent      = "message marked as sent"
	TextItDelivered = "message marked as delivered"
	TextItFailed    = "message marked as failed"
	TextItUnknown   = "unknown message"
	TextItIgnored   = "ignoring event"
)

// HandleTextItEvent applies one validated webhook event and returns the
// status text to answer with.
func (r *Router) HandleTextItEvent(ctx context.Context, ev textit.SMSEvent) (string, error) {
	ctx = logging.ContextWithEvent(ctx, ev.Event)

	if ev.Event == textit.EventIncoming {
		ep := r.registry.TextItByPhone(ev.RelayerPhone)
		if ep == nil {
			slog.WarnContext(ctx, "No TextIt backend for relayer phone", slog.String("relayer_phone", ev.RelayerPhone))
			return fmt.Sprintf("no backend found for relayer_phone '%s', ignoring", ev.RelayerPhone), nil
		}
		if _, err := r.HandleIncoming(ctx, ep.Backend, ev.Phone, ev.Text); err != nil {
			return "", err
		}
		return TextItHandled, nil
	}

	var (
		to    model.Status
		reply string
	)
	switch ev.Event {
	case textit.EventSent:
		reply = TextItSent
	case textit.EventDelivered:
		to, reply = model.StatusDelivered, TextItDelivered
	case textit.EventFailed:
		to, reply = model.StatusFailed, TextItFailed
	default:
		return TextItIgnored, nil
	}

	msg, err := r.store.FindByExternalID(ctx, ev.ExternalID())
	if errors.Is(err, store.ErrNotFound) {
		slog.WarnContext(ctx, "TextIt event for unknown message", slog.String("external_id", ev.ExternalID()))
		return TextItUnknown, nil
	}
	if err != nil {
		return "", err
	}
	ctx = logging.ContextWithMessageID(ctx, msg.ID)

	// the engine already recorded Sent when TextIt accepted the message
	if to == "" {
		if msg.Status != model.StatusSent {
			slog.InfoContext(ctx, "Sent event for message past Sent", slog.String("status", msg.Status.String()))
		}
		return reply, nil
	}

	if _, err := r.transition(ctx, msg.ID, to); err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "TextIt status applied", slog.String("status", to.String()))
	return reply, nil
}
