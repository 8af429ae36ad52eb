// ratelimit.go implements token-bucket rate limiting for the Alpha API.
//
// The Alpha endpoints sit behind the exchange's general web rate limits,
// which are enforced per IP rather than per documented category. The bot
// multiplexes many users through one process, so the buckets below keep
// aggregate request rates well under the ban threshold while still letting
// short bursts (strategy start pre-filter, reconnect storms) through.
//
// Three buckets are maintained:
//   - Query:  40 burst / 8 per sec — catalog and volume reads
//   - Order:  10 burst / 2 per sec — OTO placements
//   - Stream: 10 burst / 2 per sec — listen-key obtain/keepalive/close
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by Alpha API call category. Each client
// operation calls the appropriate bucket's Wait() before making the HTTP
// request.
type RateLimiter struct {
	Query  *TokenBucket // catalog snapshot + user volume reads
	Order  *TokenBucket // OTO order placement
	Stream *TokenBucket // listen-key obtain / keepalive / close
}

// NewRateLimiter creates rate limiters sized for a multi-user process
// sharing one egress IP.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Query:  NewTokenBucket(40, 8),
		Order:  NewTokenBucket(10, 2),
		Stream: NewTokenBucket(10, 2),
	}
}
