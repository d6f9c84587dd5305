package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	backoffStep   = 25 * time.Millisecond
	backoffMax    = 200 * time.Millisecond
	windowSeconds = 1
	limiterPrefix = "batchengine:signer-rate"
)

// Fixed one-second window: the first INCR of a window sets its expiry.
var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*SignerRateLimiter)(nil)

// SignerRateLimiter caps signer calls per signing account across every engine process
// sharing the same redis.
type SignerRateLimiter struct {
	client      *goredis.Client
	limitPerSec int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewSignerRateLimiter(client *goredis.Client, limitPerSec int) (*SignerRateLimiter, error) {
	return newSignerRateLimiter(client, int64(limitPerSec), time.Now, ratelimit.SleepWithContext)
}

func newSignerRateLimiter(
	client *goredis.Client,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*SignerRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		return nil, fmt.Errorf("signer rate limit must be > 0, got %d", limitPerSec)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = ratelimit.SleepWithContext
	}

	return &SignerRateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		now:         nowFn,
		sleep:       sleepFn,
	}, nil
}

func (l *SignerRateLimiter) Allow(ctx context.Context, account string) (bool, error) {
	if l == nil || l.client == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	account = strings.TrimSpace(account)
	if account == "" {
		return false, fmt.Errorf("account is required")
	}

	key := fmt.Sprintf("%s:%s:%d", limiterPrefix, account, l.now().UTC().Unix())
	allowed, err := allowScript.Run(ctx, l.client, []string{key}, l.limitPerSec, windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("evaluate signer rate limit: %w", err)
	}

	return allowed == 1, nil
}

// Wait blocks with a growing backoff until the account gets a slot or ctx ends.
func (l *SignerRateLimiter) Wait(ctx context.Context, account string) error {
	backoff := backoffStep
	for {
		allowed, err := l.Allow(ctx, account)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := l.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, backoffMax)
	}
}
