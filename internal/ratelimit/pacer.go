package ratelimit

import (
	"context"
	"sync"
	"time"
)

var _ Pacer = (*IntervalPacer)(nil)

// IntervalPacer guarantees at least minDelay between the end of one call (Mark) and the start
// of the next (Wait). The first Wait never blocks.
type IntervalPacer struct {
	minDelay time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	last   time.Time
	marked bool
}

func NewIntervalPacer(minDelay time.Duration) *IntervalPacer {
	return newIntervalPacer(minDelay, time.Now, SleepWithContext)
}

func newIntervalPacer(
	minDelay time.Duration,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) *IntervalPacer {
	if minDelay < 0 {
		minDelay = 0
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = SleepWithContext
	}
	return &IntervalPacer{minDelay: minDelay, now: nowFn, sleep: sleepFn}
}

func (p *IntervalPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	marked, last := p.marked, p.last
	p.mu.Unlock()

	if !marked || p.minDelay == 0 {
		return ctx.Err()
	}

	remaining := p.minDelay - p.now().Sub(last)
	if remaining <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, remaining)
}

func (p *IntervalPacer) Mark() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = p.now()
	p.marked = true
}

func (p *IntervalPacer) MinDelay() time.Duration { return p.minDelay }

func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
