package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thrillee/smsrouter/internal/model"
)

var (
	ErrNotFound = errors.New("message not found")
	// ErrNoMessage means there was nothing to claim.
	ErrNoMessage         = errors.New("no deliverable message")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidReference  = errors.New("in_response_to must reference an incoming message")
	// ErrClaimLost means the message is no longer Locked by the calling worker.
	ErrClaimLost = errors.New("message claim no longer held")
)

// TransitionError reports an attempted transition the lifecycle forbids.
type TransitionError struct {
	ID   int64
	From model.Status
	To   model.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("message %d: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// FailureLogFunc renders the diagnostic text for attempt number attempt.
// final is true when the attempt exhausts the retry budget.
type FailureLogFunc func(attempt int, final bool) string

// ListParams filters ListMessages. Zero values mean "any".
type ListParams struct {
	Status    model.Status
	Direction model.Direction
	Backend   string
	Limit     int
	Offset    int
}

// Remap is one connection visited by NormalizeConnections.
type Remap struct {
	ConnectionID int64
	Backend      string
	From         string
	To           string
	Collision    bool
}

// Store is the durable source of truth for messages. Every status change goes
// through a conditional write against model.AllowedFrom so concurrent callers
// cannot move a message along an illegal edge.
type Store interface {
	GetOrCreateConnection(ctx context.Context, backend, identity string) (model.Connection, error)
	CreateMessage(ctx context.Context, msg model.NewMessage) (*model.Message, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	FindByExternalID(ctx context.Context, externalID string) (*model.Message, error)
	ListMessages(ctx context.Context, params ListParams) ([]*model.Message, error)
	Responses(ctx context.Context, id int64) ([]*model.Message, error)
	DeliveryErrors(ctx context.Context, id int64) ([]model.DeliveryError, error)

	// Transition moves a message to status to. It returns ErrNotFound or a
	// *TransitionError (matching ErrInvalidTransition) without writing.
	Transition(ctx context.Context, id int64, to model.Status) (*model.Message, error)

	// Claim atomically moves the oldest available queued outgoing message to
	// Locked for workerID. Two concurrent callers never receive the same
	// message. Messages put back by Release are skipped until their delay
	// has passed.
	Claim(ctx context.Context, workerID string) (*model.Message, error)
	// Release puts a message Locked by workerID back to Queued and keeps it
	// out of Claim for delay.
	Release(ctx context.Context, id int64, workerID string, delay time.Duration) (*model.Message, error)
	// MarkSent moves a message Locked by workerID to Sent and records the
	// gateway id.
	MarkSent(ctx context.Context, id int64, workerID, externalID string) (*model.Message, error)
	// RecordFailure appends a DeliveryError to a message Locked by workerID
	// and moves it to Errored, or to Failed once the error count reaches
	// retryLimit.
	RecordFailure(ctx context.Context, id int64, workerID string, retryLimit int, buildLog FailureLogFunc) (*model.Message, int, error)

	CountDeliverable(ctx context.Context) (int, error)
	ReleaseStaleLocks(ctx context.Context, lockedBefore time.Time, limit int) (int, error)
	RequeueErrored(ctx context.Context, limit int) (int, error)
	TouchStaleQueued(ctx context.Context, updatedBefore time.Time, limit int) (int, error)

	NormalizeConnections(ctx context.Context, normalize func(string) string) ([]Remap, error)
}

func failureStatus(attempt, retryLimit int) model.Status {
	if attempt >= retryLimit {
		return model.StatusFailed
	}
	return model.StatusErrored
}

// checkOwner reports ErrClaimLost when m is Locked by someone other than
// workerID.
func checkOwner(m *model.Message, workerID string) error {
	if m.Status == model.StatusLocked && m.LockedBy != workerID {
		return fmt.Errorf("message %d locked by %q: %w", m.ID, m.LockedBy, ErrClaimLost)
	}
	return nil
}

func statusStrings(in []model.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
