// Package app defines the capability interface processing applications
// implement, the in-flight message types they act on, and the registry that
// resolves configured names to instances.
//
// Every callback is optional: an App implements only the phase interfaces it
// cares about and the router type-asserts for the rest.
package app

import (
	"context"
	"time"

	"github.com/thrillee/smsrouter/internal/model"
)

// Phase names a stage of the incoming or outgoing pipeline.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseFilter   Phase = "filter"
	PhaseParse    Phase = "parse"
	PhaseHandle   Phase = "handle"
	PhaseDefault  Phase = "default"
	PhaseCleanup  Phase = "cleanup"
	PhaseOutgoing Phase = "outgoing"
)

// App is the minimum every application provides.
type App interface {
	Name() string
}

// Starter runs once when the router initialises.
type Starter interface {
	Start(ctx context.Context) error
}

// Filterer returning true drops the message: no later phase runs.
type Filterer interface {
	Filter(ctx context.Context, msg *IncomingMessage) (bool, error)
}

type Parser interface {
	Parse(ctx context.Context, msg *IncomingMessage) error
}

// Handler returning true marks the message handled and stops the phase.
type Handler interface {
	Handle(ctx context.Context, msg *IncomingMessage) (bool, error)
}

// Defaulter runs only for unhandled messages; true stops the phase.
type Defaulter interface {
	Default(ctx context.Context, msg *IncomingMessage) (bool, error)
}

type Cleaner interface {
	Cleanup(ctx context.Context, msg *IncomingMessage) error
}

// OutgoingHandler returning false vetoes the send.
type OutgoingHandler interface {
	Outgoing(ctx context.Context, msg *OutgoingMessage) (bool, error)
}

// ExceptionHandler is told about errors and panics from the app's own callbacks.
type ExceptionHandler interface {
	Exception(ctx context.Context, phase Phase, err error)
}

// IncomingMessage is the in-flight view of a received message.
type IncomingMessage struct {
	Message    *model.Message
	Connection model.Connection
	Text       string
	ReceivedAt time.Time
	Handled    bool

	// Fields holds values extracted during parse for later phases.
	Fields map[string]any

	responses []string
}

func NewIncomingMessage(m *model.Message) *IncomingMessage {
	return &IncomingMessage{
		Message:    m,
		Connection: m.Connection,
		Text:       m.Text,
		ReceivedAt: m.CreatedAt,
		Fields:     map[string]any{},
	}
}

// Respond queues a reply to the sender. Replies go out in call order after
// the pipeline finishes.
func (m *IncomingMessage) Respond(text string) {
	m.responses = append(m.responses, text)
}

// Responses returns the queued replies in order.
func (m *IncomingMessage) Responses() []string {
	out := make([]string, len(m.responses))
	copy(out, m.responses)
	return out
}

// OutgoingMessage is the in-flight view of a message about to be queued.
type OutgoingMessage struct {
	Message    *model.Message
	Connection model.Connection
	Text       string
	// Source is the message being answered, nil for API sends.
	Source *model.Message
}
