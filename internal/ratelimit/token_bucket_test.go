package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestBucketExhausts(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 2, 0.001)

	for i := 0; i < 2; i++ {
		allowed, _, err := bucket.Allow(ctx, "user-1")
		if err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	allowed, remaining, err := bucket.Allow(ctx, "user-1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("drained bucket granted a token")
	}
	if remaining >= 1 {
		t.Fatalf("remaining = %v after drain", remaining)
	}
}

func TestBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 1, 0.001)

	if allowed, _, _ := bucket.Allow(ctx, "user-1"); !allowed {
		t.Fatal("first key refused its own budget")
	}
	if allowed, _, _ := bucket.Allow(ctx, "user-1"); allowed {
		t.Fatal("first key over budget")
	}
	if allowed, _, _ := bucket.Allow(ctx, "user-2"); !allowed {
		t.Fatal("second key starved by the first")
	}

	// Refill epochs come from the caller's wall clock, so a fresh bucket
	// refills in real time regardless of miniredis's frozen clock.
}

func TestWaiterBlocksUntilRefill(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 1, 100) // refills fast enough to unblock within the test
	waiter := NewWaiter(bucket, "llm", 5*time.Millisecond)

	if err := waiter.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := waiter.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("wait took %s, bucket never refilled", elapsed)
	}
}

func TestWaiterHonorsContext(t *testing.T) {
	bucket := newTestBucket(t, 1, 0.0001)
	waiter := NewWaiter(bucket, "llm", 5*time.Millisecond)

	if err := waiter.Wait(context.Background()); err != nil {
		t.Fatalf("drain wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := waiter.Wait(ctx); err == nil {
		t.Fatal("wait on an empty bucket should fail once ctx expires")
	}
}
