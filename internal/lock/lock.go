package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired means another holder owns the key.
var ErrNotAcquired = errors.New("lock held elsewhere")

// Release gives a lock back. Releasing after the TTL expired is a no-op.
type Release func(ctx context.Context) error

// Locker hands out short-lived named leases.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]localLease
	seq    uint64
}

type localLease struct {
	expires time.Time
	seq     uint64
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{now: time.Now, leases: map[string]localLease{}}
}

func (l *LocalLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, ErrNotAcquired
	}
	l.seq++
	mine := l.seq
	l.leases[key] = localLease{expires: now.Add(ttl), seq: mine}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[key]; ok && cur.seq == mine {
			delete(l.leases, key)
		}
		return nil
	}, nil
}

var _ Locker = (*LocalLocker)(nil)
