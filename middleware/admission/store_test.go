package admission

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketLimiter_AllowsUpToBurstThenBlocks(t *testing.T) {
	lim := NewTokenBucketLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !lim.Allow("client-a") {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
	if lim.Allow("client-a") {
		t.Fatal("expected the request past burst to be denied")
	}
}

func TestTokenBucketLimiter_BucketsAreIndependentPerClient(t *testing.T) {
	lim := NewTokenBucketLimiter(1, 1)

	if !lim.Allow("client-a") {
		t.Fatal("expected client-a's first request to be allowed")
	}
	if lim.Allow("client-a") {
		t.Fatal("expected client-a's second request to be denied")
	}
	if !lim.Allow("client-b") {
		t.Fatal("expected client-b to have its own, unexhausted bucket")
	}
}

func TestTokenBucketLimiter_ReapDropsIdleEntries(t *testing.T) {
	lim := NewTokenBucketLimiter(1, 1, WithIdleTTL(10*time.Millisecond))
	lim.Allow("client-a")

	time.Sleep(20 * time.Millisecond)
	lim.Reap()

	lim.mu.Lock()
	_, exists := lim.entries["client-a"]
	lim.mu.Unlock()
	if exists {
		t.Fatal("expected the idle bucket to have been reaped")
	}
}

func TestChanBulkhead_LimitsConcurrencyAndReleases(t *testing.T) {
	b := NewChanBulkhead(1)

	release1, ok := b.Acquire(context.Background())
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := b.Acquire(ctx); ok {
		t.Fatal("expected second acquire to block and then fail while the slot is held")
	}

	release1()

	release2, ok := b.Acquire(context.Background())
	if !ok {
		t.Fatal("expected acquire to succeed once the slot was released")
	}
	release2()
}
