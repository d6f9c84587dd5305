// Package ratelimit holds the throttling ports used around signer calls.
package ratelimit

import "context"

// RateLimiter caps signer throughput per signing account across processes.
type RateLimiter interface {
	Allow(ctx context.Context, account string) (bool, error)
	Wait(ctx context.Context, account string) error
}

// Pacer enforces spacing between consecutive calls inside one run.
type Pacer interface {
	Wait(ctx context.Context) error
	Mark()
}
