package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thrillee/smsrouter/internal/model"
)

func TestTokenBucketRefills(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tb := NewTokenBucket(2, 1)
	tb.now = func() time.Time { return now }
	tb.lastRefill = now

	if !tb.Take() || !tb.Take() {
		t.Fatalf("expected burst of 2")
	}
	if tb.Take() {
		t.Fatalf("expected empty bucket")
	}
	now = now.Add(1500 * time.Millisecond)
	if !tb.Take() {
		t.Fatalf("expected a refilled token")
	}
	if tb.Take() {
		t.Fatalf("expected only one token after 1.5s")
	}
}

func TestRateLimitedDispatcherDefersPerBackend(t *testing.T) {
	t.Parallel()
	calls := 0
	next := funcDispatcher(func(context.Context, *model.Message) Outcome {
		calls++
		return Outcome{StatusCode: 200}
	})
	d := NewRateLimitedDispatcher(next, RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})

	mtn := testMessage()
	airtel := testMessage()
	airtel.Connection.Backend = "airtel"

	if out := d.Dispatch(context.Background(), mtn); !out.Success() {
		t.Fatalf("expected first mtn send to pass, got %+v", out)
	}
	out := d.Dispatch(context.Background(), mtn)
	if !out.Deferred || !errors.Is(out.Err, ErrRateLimited) {
		t.Fatalf("expected second mtn send deferred, got %+v", out)
	}
	if out := d.Dispatch(context.Background(), airtel); !out.Success() {
		t.Fatalf("expected airtel to have its own bucket, got %+v", out)
	}
	if calls != 2 {
		t.Fatalf("expected 2 sends, got %d", calls)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	t.Parallel()
	next := funcDispatcher(func(context.Context, *model.Message) Outcome { return Outcome{StatusCode: 200} })
	if d := NewRateLimitedDispatcher(next, RateLimitConfig{}); d == nil {
		t.Fatalf("expected dispatcher")
	} else if _, wrapped := d.(*RateLimitedDispatcher); wrapped {
		t.Fatalf("expected no wrapping without a rate")
	}
}
