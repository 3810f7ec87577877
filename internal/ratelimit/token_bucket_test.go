package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket_ConsumesAndRefills(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	b := NewTokenBucket(clock, 2, 1)

	if !b.Allow(1) {
		t.Fatalf("first token should be allowed")
	}
	if !b.Allow(1) {
		t.Fatalf("second token should be allowed")
	}
	if b.Allow(1) {
		t.Fatalf("bucket should be empty")
	}

	clock.Advance(1 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("token should be available after 1s refill")
	}
	if b.Allow(1) {
		t.Fatalf("only one token should have refilled")
	}
}

func TestTokenBucket_ClampsToCapacity(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	b := NewTokenBucket(clock, 3, 10)

	clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		if !b.Allow(1) {
			t.Fatalf("token %d should be allowed after long idle", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("capacity must clamp refill to 3 tokens")
	}
}

func TestTokenBucket_TimeGoingBackwards(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	b := NewTokenBucket(clock, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("initial token should be allowed")
	}

	clock.Advance(-time.Minute)
	if b.Allow(1) {
		t.Fatalf("backwards clock must not refill")
	}
}

func TestTokenBucket_ZeroOrNegativeCostAlwaysAllowed(t *testing.T) {
	b := NewTokenBucket(NewFakeClock(time.Unix(0, 0)), 0, 0)
	if !b.Allow(0) {
		t.Fatalf("zero cost should be allowed")
	}
	if !b.Allow(-5) {
		t.Fatalf("negative cost should be allowed")
	}
	if b.Allow(1) {
		t.Fatalf("zero-capacity bucket should reject positive cost")
	}
}
