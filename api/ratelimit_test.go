package api

import (
	"testing"
	"time"
)

func TestRateLimiterBurstThenDeny(t *testing.T) {
	// Zero refill rate makes the outcome deterministic.
	rl := newRateLimiter(0, 2)

	if !rl.allow("user-1") || !rl.allow("user-1") {
		t.Fatal("burst of 2 should allow two immediate requests")
	}
	if rl.allow("user-1") {
		t.Error("third request should be denied with an empty bucket")
	}
	if !rl.allow("user-2") {
		t.Error("a different key must not share the exhausted bucket")
	}
}

func TestRateLimiterCleanupEvictsIdleBuckets(t *testing.T) {
	rl := newRateLimiter(10, 5)

	if !rl.allow("idle-user") || !rl.allow("active-user") {
		t.Fatal("first requests should be allowed")
	}

	rl.mu.Lock()
	rl.entries["idle-user"].seen = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.cleanup(10 * time.Minute)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.entries["idle-user"]; ok {
		t.Error("idle bucket survived cleanup")
	}
	if _, ok := rl.entries["active-user"]; !ok {
		t.Error("active bucket was evicted")
	}
}

func TestRateLimiterEvictedKeyStartsFresh(t *testing.T) {
	rl := newRateLimiter(0, 1)

	if !rl.allow("user-1") {
		t.Fatal("first request should be allowed")
	}
	if rl.allow("user-1") {
		t.Fatal("bucket should be empty")
	}

	rl.mu.Lock()
	rl.entries["user-1"].seen = time.Now().Add(-time.Hour)
	rl.mu.Unlock()
	rl.cleanup(10 * time.Minute)

	if !rl.allow("user-1") {
		t.Error("evicted key should get a full bucket again")
	}
}
