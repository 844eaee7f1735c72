// Package ratelimit provides the token bucket used to bound inbound
// signaling message rates per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so tests can drive refills deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanoTokensPerToken is the fixed-point scale: one token is 1e9 nano-tokens,
// so a rate of N tokens/sec refills N nano-tokens per elapsed nanosecond
// without float rounding.
const nanoTokensPerToken = int64(time.Second)

// TokenBucket refills at an integer rate of tokens per second up to a fixed
// capacity. A zero rate or capacity means nothing is ever allowed.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a bucket that starts full.
func NewTokenBucket(clock Clock, capacityTokens, tokensPerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if tokensPerSecond < 0 {
		tokensPerSecond = 0
	}
	capacity := capacityTokens * nanoTokensPerToken
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      tokensPerSecond,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < nanoTokensPerToken {
		return false
	}
	b.available -= nanoTokensPerToken
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 || b.available >= b.capacity {
		return
	}

	// elapsed*rate can overflow after long idle periods; if the elapsed time
	// alone is enough to fill the bucket, clamp instead of multiplying.
	need := b.capacity - b.available
	if elapsed >= need/b.rate+1 {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}
