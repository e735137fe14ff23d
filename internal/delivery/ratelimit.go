package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thrillee/smsrouter/internal/model"
)

// ErrRateLimited marks a dispatch held back by the per-backend rate limit.
var ErrRateLimited = errors.New("backend rate limit exceeded")

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewTokenBucket(capacity float64, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Take spends one token if one is available.
func (tb *TokenBucket) Take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	tb.tokens = min(tb.capacity, tb.tokens+elapsed.Seconds()*tb.refillRate)
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimitedDispatcher throttles each backend independently. A message over
// the limit is deferred, not failed.
type RateLimitedDispatcher struct {
	next    Dispatcher
	config  RateLimitConfig
	buckets map[string]*TokenBucket
	mu      sync.Mutex
}

// NewRateLimitedDispatcher wraps next. A non-positive rate disables limiting
// and returns next unchanged.
func NewRateLimitedDispatcher(next Dispatcher, config RateLimitConfig) Dispatcher {
	if config.RequestsPerSecond <= 0 {
		return next
	}
	if config.BurstSize < 1 {
		config.BurstSize = 1
	}
	return &RateLimitedDispatcher{
		next:    next,
		config:  config,
		buckets: make(map[string]*TokenBucket),
	}
}

func (rl *RateLimitedDispatcher) bucket(backend string) *TokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, ok := rl.buckets[backend]; ok {
		return b
	}
	b := NewTokenBucket(float64(rl.config.BurstSize), rl.config.RequestsPerSecond)
	rl.buckets[backend] = b
	return b
}

func (rl *RateLimitedDispatcher) Dispatch(ctx context.Context, msg *model.Message) Outcome {
	if !rl.bucket(msg.Connection.Backend).Take() {
		slog.WarnContext(ctx, "Rate limit exceeded for backend, message will retry",
			slog.String("backend", msg.Connection.Backend),
			slog.Float64("per_second", rl.config.RequestsPerSecond),
		)
		return Outcome{Err: ErrRateLimited, Deferred: true}
	}
	return rl.next.Dispatch(ctx, msg)
}

var _ Dispatcher = (*RateLimitedDispatcher)(nil)
