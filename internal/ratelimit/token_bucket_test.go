package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, refillPerSecond float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refillPerSecond, time.Minute)
}

func TestTokenBucketCapsBurst(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 2, 0.001)

	allowed, _, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 1, 0.001)

	if allowed, _, _ := bucket.Allow(ctx, "tenant-a"); !allowed {
		t.Fatalf("tenant-a first token rejected")
	}
	if allowed, _, _ := bucket.Allow(ctx, "tenant-a"); allowed {
		t.Fatalf("tenant-a over capacity")
	}
	if allowed, _, _ := bucket.Allow(ctx, "tenant-b"); !allowed {
		t.Fatalf("tenant-b should have its own bucket")
	}
}

func TestWaitBlocksUntilRefill(t *testing.T) {
	// 50 tokens/sec refills fast enough for Wait to return within the test.
	bucket := newTestBucket(t, 1, 50)
	ctx := context.Background()

	if err := bucket.Wait(ctx, "uploads"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := bucket.Wait(ctx, "uploads"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("wait took %v, refill never granted a token", time.Since(start))
	}
}

func TestWaitHonoursContext(t *testing.T) {
	bucket := newTestBucket(t, 1, 0.001)
	ctx := context.Background()

	if err := bucket.Wait(ctx, "uploads"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := bucket.Wait(cctx, "uploads"); err == nil {
		t.Fatalf("expected wait to give up with the context")
	}
}
