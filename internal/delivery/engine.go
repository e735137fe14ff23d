package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/thrillee/smsrouter/internal/lock"
	"github.com/thrillee/smsrouter/internal/logging"
	"github.com/thrillee/smsrouter/internal/model"
	"github.com/thrillee/smsrouter/internal/notification"
	"github.com/thrillee/smsrouter/internal/store"
)

type EngineConfig struct {
	MaxWorkers     int
	RetryLimit     int
	SuspendPoll    time.Duration
	IdlePoll       time.Duration
	DeferDelay     time.Duration
	SendLockTTL    time.Duration
	AlertRecipient string
}

// Engine is the bounded delivery worker pool. Workers are spawned on demand,
// only when every existing worker is busy, up to MaxWorkers. Each worker
// claims one message at a time from the store, dispatches it outside any
// store lock and writes the outcome back.
type Engine struct {
	cfg        EngineConfig
	store      store.Store
	dispatcher Dispatcher
	locker     lock.Locker
	notifier   notification.Notifier
	hostname   string

	sem       *semaphore.Weighted
	wake      chan struct{}
	idle      atomic.Int32
	suspended atomic.Int32

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]time.Time // worker id -> started at
	wg      sync.WaitGroup
}

func NewEngine(cfg EngineConfig, st store.Store, d Dispatcher, locker lock.Locker, notifier notification.Notifier) *Engine {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 5
	}
	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = 3
	}
	if cfg.SuspendPoll == 0 {
		cfg.SuspendPoll = 500 * time.Millisecond
	}
	if cfg.IdlePoll == 0 {
		cfg.IdlePoll = 5 * time.Second
	}
	if cfg.DeferDelay == 0 {
		cfg.DeferDelay = 2 * time.Second
	}
	if cfg.SendLockTTL == 0 {
		cfg.SendLockTTL = time.Minute
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if notifier == nil {
		notifier = notification.NewLogNotifier(nil)
	}
	hostname, _ := os.Hostname()

	return &Engine{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		locker:     locker,
		notifier:   notifier,
		hostname:   hostname,
		sem:        semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		wake:       make(chan struct{}, cfg.MaxWorkers),
		workers:    map[string]time.Time{},
	}
}

// Start arms the engine. No worker exists until Notify asks for one.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	slog.InfoContext(ctx, "Delivery engine started", slog.Int("max_workers", e.cfg.MaxWorkers))
}

// Stop cancels the workers and waits for in-flight dispatches to finish or
// ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	if cancel != nil {
		cancel()
	}
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.InfoContext(ctx, "Delivery engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delivery engine stop: %w", ctx.Err())
	}
}

// Notify signals that n messages may have become deliverable.
func (e *Engine) Notify(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	running := e.ctx != nil && e.ctx.Err() == nil
	e.mu.Unlock()
	if !running {
		return
	}

	for i := 0; i < n; i++ {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	for need := n - int(e.idle.Load()); need > 0; need-- {
		if !e.grow() {
			break
		}
	}
}

// Suspend pauses claiming; workers idle between claims until every Suspend
// has been matched by a Resume.
func (e *Engine) Suspend() { e.suspended.Add(1) }

func (e *Engine) Resume() {
	if e.suspended.Add(-1) < 0 {
		e.suspended.Store(0)
	}
}

func (e *Engine) Suspended() bool { return e.suspended.Load() > 0 }

// Stats describes the pool for the health endpoint.
func (e *Engine) Stats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{
		"workers":     len(e.workers),
		"idle":        e.idle.Load(),
		"max_workers": e.cfg.MaxWorkers,
		"suspended":   e.Suspended(),
	}
}

func (e *Engine) newWorkerID() string {
	return fmt.Sprintf("%s-%s", e.hostname, uuid.NewString())
}

// grow spawns one worker if the bound allows it.
func (e *Engine) grow() bool {
	if !e.sem.TryAcquire(1) {
		return false
	}

	e.mu.Lock()
	ctx := e.ctx
	if ctx == nil || ctx.Err() != nil {
		e.mu.Unlock()
		e.sem.Release(1)
		return false
	}
	id := e.newWorkerID()
	e.workers[id] = time.Now()
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runWorker(ctx, id)
	return true
}

func (e *Engine) runWorker(ctx context.Context, workerID string) {
	defer func() {
		e.mu.Lock()
		delete(e.workers, workerID)
		e.mu.Unlock()
		e.sem.Release(1)
		e.wg.Done()
	}()

	ctx = logging.ContextWithWorkerID(ctx, workerID)
	slog.DebugContext(ctx, "Delivery worker started")

	for ctx.Err() == nil {
		if e.Suspended() {
			sleepCtx(ctx, e.cfg.SuspendPoll)
			continue
		}
		if e.safeProcessNext(ctx, workerID) {
			continue
		}

		e.idle.Add(1)
		select {
		case <-ctx.Done():
		case <-e.wake:
		case <-time.After(e.cfg.IdlePoll):
		}
		e.idle.Add(-1)
	}
	slog.DebugContext(ctx, "Delivery worker stopping")
}

// safeProcessNext keeps a panic in one delivery from killing the worker.
func (e *Engine) safeProcessNext(ctx context.Context, workerID string) (processed bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Panic in delivery worker",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			processed = false
		}
	}()
	return e.processNext(ctx, workerID)
}

// processNext claims and delivers one message. It reports whether a message
// was claimed.
func (e *Engine) processNext(ctx context.Context, workerID string) bool {
	msg, err := e.store.Claim(ctx, workerID)
	if err != nil {
		if !errors.Is(err, store.ErrNoMessage) && ctx.Err() == nil {
			slog.ErrorContext(ctx, "Failed to claim message", slog.Any("error", err))
		}
		return false
	}

	// the claim is ours now; finish it even if shutdown starts mid-flight
	msgCtx := context.WithoutCancel(ctx)
	msgCtx = logging.ContextWithMessageID(msgCtx, msg.ID)
	msgCtx = logging.ContextWithBackend(msgCtx, msg.Connection.Backend)

	unlock, err := e.locker.TryAcquire(msgCtx, fmt.Sprintf("send_message_%d", msg.ID), e.cfg.SendLockTTL)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		slog.WarnContext(msgCtx, "Message send lock held elsewhere, releasing claim")
		e.release(msgCtx, msg, workerID)
		return true
	case err != nil:
		slog.WarnContext(msgCtx, "Send lock unavailable, relying on store claim", slog.Any("error", err))
		unlock = nil
	}

	e.deliver(msgCtx, msg, workerID, unlock)
	return true
}

// release hands a claimed message back to the queue. It stays unclaimable
// for DeferDelay so the other queued messages get their turn.
func (e *Engine) release(ctx context.Context, msg *model.Message, workerID string) {
	if _, err := e.store.Release(ctx, msg.ID, workerID, e.cfg.DeferDelay); err != nil {
		slog.ErrorContext(ctx, "Failed to release claimed message", slog.Any("error", err))
	}
}

// deliver dispatches a Locked message and records the outcome. unlock drops
// the send lock once the outcome is written.
func (e *Engine) deliver(ctx context.Context, msg *model.Message, workerID string, unlock lock.Release) {
	defer func() {
		if unlock == nil {
			return
		}
		if err := unlock(ctx); err != nil {
			slog.WarnContext(ctx, "Failed to release send lock", slog.Any("error", err))
		}
	}()

	slog.InfoContext(ctx, "Sending message", slog.String("recipient", msg.Connection.Identity))
	out := e.dispatcher.Dispatch(ctx, msg)

	if out.Deferred {
		slog.InfoContext(ctx, "Delivery deferred", slog.Any("error", out.Err), slog.Duration("delay", e.cfg.DeferDelay))
		e.release(ctx, msg, workerID)
		return
	}

	if out.Success() {
		if _, err := e.store.MarkSent(ctx, msg.ID, workerID, out.ExternalID); err != nil {
			slog.ErrorContext(ctx, "Failed to mark message sent", slog.Any("error", err))
			return
		}
		slog.InfoContext(ctx, "SMS SENT", slog.Int("http_status", out.StatusCode), slog.String("external_id", out.ExternalID))
		return
	}

	updated, attempt, err := e.store.RecordFailure(ctx, msg.ID, workerID, e.cfg.RetryLimit, func(attempt int, final bool) string {
		return FailureLog(msg, out, attempt, final, e.cfg.RetryLimit)
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to record delivery error", slog.Any("error", err), slog.Any("dispatch_error", out.Err))
		return
	}

	slog.WarnContext(ctx, "Message send failed",
		slog.Int("attempt", attempt),
		slog.String("status", updated.Status.String()),
		slog.Int("http_status", out.StatusCode),
		slog.Any("error", out.Err),
	)

	if updated.Status == model.StatusFailed {
		subject := fmt.Sprintf("Message %d permanently failed", msg.ID)
		body := fmt.Sprintf("Message %d to %s via %s failed %d time(s): %v",
			msg.ID, msg.Connection.Identity, msg.Connection.Backend, attempt, out.Err)
		if err := e.notifier.Send(ctx, e.cfg.AlertRecipient, subject, body); err != nil {
			slog.WarnContext(ctx, "Failed to send failure notification", slog.Any("error", err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
