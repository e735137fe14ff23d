package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thrillee/smsrouter/internal/model"
)

// MemoryStore keeps everything in process. All operations hold one mutex, so
// Claim is exact within a process; nothing is shared across processes.
type MemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	nextMsgID   int64
	nextConnID  int64
	nextErrID   int64
	messages    map[int64]*model.Message
	connections map[int64]*model.Connection
	errors      map[int64][]model.DeliveryError
	notBefore   map[int64]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		messages:    map[int64]*model.Message{},
		connections: map[int64]*model.Connection{},
		errors:      map[int64][]model.DeliveryError{},
		notBefore:   map[int64]time.Time{},
	}
}

// SetClock replaces the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func cloneMessage(m *model.Message) *model.Message {
	c := *m
	if m.SentAt != nil {
		t := *m.SentAt
		c.SentAt = &t
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		c.DeliveredAt = &t
	}
	if m.LockedAt != nil {
		t := *m.LockedAt
		c.LockedAt = &t
	}
	if m.InResponseTo != nil {
		id := *m.InResponseTo
		c.InResponseTo = &id
	}
	return &c
}

func (s *MemoryStore) GetOrCreateConnection(_ context.Context, backend, identity string) (model.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.connections {
		if c.Backend == backend && c.Identity == identity {
			return *c, nil
		}
	}
	s.nextConnID++
	c := &model.Connection{ID: s.nextConnID, Backend: backend, Identity: identity}
	s.connections[c.ID] = c
	return *c, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, nm model.NewMessage) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nm.InResponseTo != nil {
		src, ok := s.messages[*nm.InResponseTo]
		if !ok || src.Direction != model.DirectionIncoming {
			return nil, ErrInvalidReference
		}
	}

	now := s.now()
	s.nextMsgID++
	m := &model.Message{
		ID:           s.nextMsgID,
		Connection:   nm.Connection,
		Text:         nm.Text,
		Direction:    nm.Direction,
		Status:       nm.Status,
		CreatedAt:    now,
		UpdatedAt:    now,
		InResponseTo: nm.InResponseTo,
	}
	s.messages[m.ID] = m
	return cloneMessage(m), nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) FindByExternalID(_ context.Context, externalID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *model.Message
	for _, m := range s.messages {
		if m.ExternalID == externalID && (found == nil || m.ID > found.ID) {
			found = m
		}
	}
	if found == nil || externalID == "" {
		return nil, ErrNotFound
	}
	return cloneMessage(found), nil
}

// sorted returns messages matching keep ordered by id.
func (s *MemoryStore) sorted(keep func(*model.Message) bool) []*model.Message {
	var out []*model.Message
	for _, m := range s.messages {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) ListMessages(_ context.Context, p ListParams) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := s.sorted(func(m *model.Message) bool {
		return (p.Status == "" || m.Status == p.Status) &&
			(p.Direction == "" || m.Direction == p.Direction) &&
			(p.Backend == "" || m.Connection.Backend == p.Backend)
	})
	if p.Offset > 0 {
		if p.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[p.Offset:]
		}
	}
	if p.Limit > 0 && len(matches) > p.Limit {
		matches = matches[:p.Limit]
	}

	out := make([]*model.Message, len(matches))
	for i, m := range matches {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func (s *MemoryStore) Responses(_ context.Context, id int64) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := s.sorted(func(m *model.Message) bool {
		return m.InResponseTo != nil && *m.InResponseTo == id
	})
	out := make([]*model.Message, len(matches))
	for i, m := range matches {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func (s *MemoryStore) DeliveryErrors(_ context.Context, id int64) ([]model.DeliveryError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.DeliveryError, len(s.errors[id]))
	copy(out, s.errors[id])
	return out, nil
}

// apply performs a checked transition; callers hold s.mu.
func (s *MemoryStore) apply(id int64, to model.Status) (*model.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !model.CanTransition(m.Status, to) {
		return nil, &TransitionError{ID: id, From: m.Status, To: to}
	}

	now := s.now()
	m.Status = to
	m.UpdatedAt = now
	switch to {
	case model.StatusSent:
		m.SentAt = &now
	case model.StatusDelivered:
		m.DeliveredAt = &now
	}
	if to != model.StatusLocked {
		m.LockedBy = ""
		m.LockedAt = nil
	}
	return m, nil
}

func (s *MemoryStore) Transition(_ context.Context, id int64, to model.Status) (*model.Message, error) {
	if to == model.StatusLocked {
		return nil, fmt.Errorf("%w: use Claim to lock a message", ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.apply(id, to)
	if err != nil {
		return nil, err
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) Claim(_ context.Context, workerID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var oldest *model.Message
	for _, m := range s.messages {
		if m.Direction != model.DirectionOutgoing || m.Status != model.StatusQueued {
			continue
		}
		if t, ok := s.notBefore[m.ID]; ok && now.Before(t) {
			continue
		}
		if oldest == nil || m.CreatedAt.Before(oldest.CreatedAt) ||
			(m.CreatedAt.Equal(oldest.CreatedAt) && m.ID < oldest.ID) {
			oldest = m
		}
	}
	if oldest == nil {
		return nil, ErrNoMessage
	}

	m, err := s.apply(oldest.ID, model.StatusLocked)
	if err != nil {
		return nil, err
	}
	delete(s.notBefore, m.ID)
	m.LockedBy = workerID
	m.LockedAt = &now
	return cloneMessage(m), nil
}

// owned returns message id if workerID still holds its claim; callers hold s.mu.
func (s *MemoryStore) owned(id int64, workerID string) (*model.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkOwner(m, workerID); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *MemoryStore) Release(_ context.Context, id int64, workerID string, delay time.Duration) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.owned(id, workerID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusLocked {
		return nil, &TransitionError{ID: id, From: m.Status, To: model.StatusQueued}
	}
	m, err = s.apply(id, model.StatusQueued)
	if err != nil {
		return nil, err
	}
	if delay > 0 {
		s.notBefore[id] = s.now().Add(delay)
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id int64, workerID, externalID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.owned(id, workerID); err != nil {
		return nil, err
	}
	m, err := s.apply(id, model.StatusSent)
	if err != nil {
		return nil, err
	}
	if externalID != "" {
		m.ExternalID = externalID
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, id int64, workerID string, retryLimit int, buildLog FailureLogFunc) (*model.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.owned(id, workerID)
	if err != nil {
		return nil, 0, err
	}
	attempt := len(s.errors[id]) + 1
	to := failureStatus(attempt, retryLimit)
	if !model.CanTransition(m.Status, to) {
		return nil, 0, &TransitionError{ID: id, From: m.Status, To: to}
	}

	s.nextErrID++
	s.errors[id] = append(s.errors[id], model.DeliveryError{
		ID:        s.nextErrID,
		MessageID: id,
		Log:       buildLog(attempt, to == model.StatusFailed),
		CreatedAt: s.now(),
	})
	if _, err := s.apply(id, to); err != nil {
		return nil, 0, err
	}
	return cloneMessage(m), attempt, nil
}

func (s *MemoryStore) CountDeliverable(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages {
		if m.Direction == model.DirectionOutgoing && m.Status == model.StatusQueued {
			n++
		}
	}
	return n, nil
}

// moveBatch transitions up to limit messages selected by keep, oldest
// updated first.
func (s *MemoryStore) moveBatch(limit int, to model.Status, keep func(*model.Message) bool) int {
	matches := s.sorted(keep)
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].UpdatedAt.Before(matches[j].UpdatedAt) })

	n := 0
	for _, m := range matches {
		if n >= limit {
			break
		}
		if _, err := s.apply(m.ID, to); err == nil {
			n++
		}
	}
	return n
}

func (s *MemoryStore) ReleaseStaleLocks(_ context.Context, lockedBefore time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.moveBatch(limit, model.StatusQueued, func(m *model.Message) bool {
		return m.Status == model.StatusLocked && m.LockedAt != nil && m.LockedAt.Before(lockedBefore)
	}), nil
}

func (s *MemoryStore) RequeueErrored(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.moveBatch(limit, model.StatusQueued, func(m *model.Message) bool {
		return m.Direction == model.DirectionOutgoing && m.Status == model.StatusErrored
	}), nil
}

func (s *MemoryStore) TouchStaleQueued(_ context.Context, updatedBefore time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := s.sorted(func(m *model.Message) bool {
		return m.Direction == model.DirectionOutgoing && m.Status == model.StatusQueued &&
			!m.UpdatedAt.After(updatedBefore)
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	now := s.now()
	for _, m := range stale {
		m.UpdatedAt = now
	}
	return len(stale), nil
}

func (s *MemoryStore) NormalizeConnections(_ context.Context, normalize func(string) string) ([]Remap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []Remap
	for _, id := range ids {
		c := s.connections[id]
		normalized := normalize(c.Identity)
		if normalized == c.Identity {
			continue
		}
		r := Remap{ConnectionID: c.ID, Backend: c.Backend, From: c.Identity, To: normalized}
		for _, other := range s.connections {
			if other.Backend == c.Backend && other.Identity == normalized {
				r.Collision = true
				break
			}
		}
		if !r.Collision {
			c.Identity = normalized
			for _, m := range s.messages {
				if m.Connection.ID == c.ID {
					m.Connection.Identity = normalized
				}
			}
		}
		out = append(out, r)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
