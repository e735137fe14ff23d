package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thrillee/smsrouter/internal/lock"
	"github.com/thrillee/smsrouter/internal/store"
)

const sweepLockKey = "resend_messages"

type SweeperConfig struct {
	StaleAfter  time.Duration
	LockTimeout time.Duration
	LockTTL     time.Duration
}

// Sweeper returns stuck or errored messages to the queue and wakes the
// engine for them. Only one instance sweeps at a time.
type Sweeper struct {
	cfg    SweeperConfig
	store  store.Store
	engine *Engine
	locker lock.Locker
	now    func() time.Time
}

func NewSweeper(cfg SweeperConfig, st store.Store, engine *Engine, locker lock.Locker) *Sweeper {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Sweeper{cfg: cfg, store: st, engine: engine, locker: locker, now: time.Now}
}

// Sweep is a workers.WorkerFunc. It reports how many messages became
// deliverable again.
func (s *Sweeper) Sweep(ctx context.Context, batchSize int) (int, error) {
	release, err := s.locker.TryAcquire(ctx, sweepLockKey, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		slog.DebugContext(ctx, "Sweep already running elsewhere")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("acquire sweep lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "Failed to release sweep lock", slog.Any("error", err))
		}
	}()

	now := s.now()
	total := 0

	if s.cfg.LockTimeout > 0 {
		n, err := s.store.ReleaseStaleLocks(ctx, now.Add(-s.cfg.LockTimeout), batchSize)
		if err != nil {
			return total, fmt.Errorf("release stale locks: %w", err)
		}
		if n > 0 {
			slog.WarnContext(ctx, "Released abandoned claims", slog.Int("count", n))
		}
		total += n
	}

	n, err := s.store.RequeueErrored(ctx, batchSize)
	if err != nil {
		return total, fmt.Errorf("requeue errored: %w", err)
	}
	total += n

	if s.cfg.StaleAfter > 0 {
		n, err = s.store.TouchStaleQueued(ctx, now.Add(-s.cfg.StaleAfter), batchSize)
		if err != nil {
			return total, fmt.Errorf("touch stale queued: %w", err)
		}
		total += n
	}

	if s.engine != nil {
		s.engine.Notify(total)
	}
	return total, nil
}
