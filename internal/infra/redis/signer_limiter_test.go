package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kursadbilgin/batch-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

func TestSignerRateLimiterAllowWindow(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)

	now := time.Unix(1_700_000_000, 0)
	limiter, err := newSignerRateLimiter(rdb, 2, func() time.Time { return now }, ratelimit.SleepWithContext)
	if err != nil {
		t.Fatalf("newSignerRateLimiter() error = %v", err)
	}

	for i, want := range []bool{true, true, false} {
		allowed, err := limiter.Allow(context.Background(), "acme-corp")
		if err != nil {
			t.Fatalf("Allow() #%d error = %v", i, err)
		}
		if allowed != want {
			t.Fatalf("Allow() #%d = %v, want %v", i, allowed, want)
		}
	}

	allowed, err := limiter.Allow(context.Background(), "globex")
	if err != nil {
		t.Fatalf("Allow(globex) error = %v", err)
	}
	if !allowed {
		t.Fatal("other accounts have their own window")
	}

	now = now.Add(time.Second)
	allowed, err = limiter.Allow(context.Background(), "acme-corp")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Fatal("next window should allow the call")
	}
}

func TestSignerRateLimiterWaitBacksOff(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)

	now := time.Unix(1_700_000_200, 0)
	var slept []time.Duration
	limiter, err := newSignerRateLimiter(
		rdb,
		1,
		func() time.Time { return now },
		func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			if len(slept) == 3 {
				now = now.Add(time.Second)
			}
			return nil
		},
	)
	if err != nil {
		t.Fatalf("newSignerRateLimiter() error = %v", err)
	}

	if err := limiter.Wait(context.Background(), "acme-corp"); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	if err := limiter.Wait(context.Background(), "acme-corp"); err != nil {
		t.Fatalf("second Wait() error = %v", err)
	}

	want := []time.Duration{25 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("slept = %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("slept = %v, want %v", slept, want)
		}
	}
}

func TestSignerRateLimiterWaitDeadline(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)

	now := time.Unix(1_700_000_300, 0)
	limiter, err := newSignerRateLimiter(rdb, 1, func() time.Time { return now }, ratelimit.SleepWithContext)
	if err != nil {
		t.Fatalf("newSignerRateLimiter() error = %v", err)
	}
	if _, err := limiter.Allow(context.Background(), "acme-corp"); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "acme-corp"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestNewSignerRateLimiterValidation(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	if _, err := NewSignerRateLimiter(nil, 1); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewSignerRateLimiter(rdb, 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func newTestRedisClient(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	return rdb, mr
}
