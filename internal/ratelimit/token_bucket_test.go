package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5)

	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("initial burst message %d denied", i)
		}
	}
	if b.Allow() {
		t.Fatalf("expected empty bucket to deny")
	}

	clk.Advance(200 * time.Millisecond) // one token at 5 tokens/sec
	if !b.Allow() {
		t.Fatalf("expected refill after time advance")
	}
	if b.Allow() {
		t.Fatalf("expected only one refilled token")
	}
}

func TestTokenBucket_ClampsToCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow() {
		t.Fatalf("expected initial token")
	}

	clk.Advance(time.Hour)
	if !b.Allow() {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow() {
		t.Fatalf("expected capacity clamp at one token")
	}
}

func TestTokenBucket_BackwardsClockDoesNotRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 1, 1000)

	if !b.Allow() {
		t.Fatalf("expected initial token")
	}
	clk.Advance(-time.Minute)
	if b.Allow() {
		t.Fatalf("backwards clock must not produce tokens")
	}
}

func TestTokenBucket_ZeroRateDeniesEverything(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 0, 0)
	if b.Allow() {
		t.Fatalf("zero-capacity bucket allowed a message")
	}
}
