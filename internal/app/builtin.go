package app

import (
	"context"
	"strings"

	"github.com/thrillee/smsrouter/internal/backend"
)

const (
	EchoName      = "echo"
	BlacklistName = "blacklist"
)

// Echo answers "echo <text>" with "<text>".
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (*Echo) Name() string { return EchoName }

func (*Echo) Handle(_ context.Context, msg *IncomingMessage) (bool, error) {
	text := strings.TrimSpace(msg.Text)
	if len(text) < 5 || !strings.EqualFold(text[:5], "echo ") {
		return false, nil
	}
	msg.Respond(strings.TrimSpace(text[5:]))
	return true, nil
}

// Blacklist drops traffic from, and refuses traffic to, listed identities.
type Blacklist struct {
	blocked map[string]struct{}
}

func NewBlacklist(identities []string) *Blacklist {
	b := &Blacklist{blocked: map[string]struct{}{}}
	for _, id := range identities {
		if n := backend.NormalizeIdentity(id); n != "" {
			b.blocked[n] = struct{}{}
		}
	}
	return b
}

func (*Blacklist) Name() string { return BlacklistName }

func (b *Blacklist) Filter(_ context.Context, msg *IncomingMessage) (bool, error) {
	_, blocked := b.blocked[msg.Connection.Identity]
	return blocked, nil
}

func (b *Blacklist) Outgoing(_ context.Context, msg *OutgoingMessage) (bool, error) {
	_, blocked := b.blocked[msg.Connection.Identity]
	return !blocked, nil
}

var (
	_ Handler         = (*Echo)(nil)
	_ Filterer        = (*Blacklist)(nil)
	_ OutgoingHandler = (*Blacklist)(nil)
)
