package admission

import (
	"context"
	"testing"
	"time"
)

type fakeLimiter struct{ allow bool }

func (f fakeLimiter) Allow(ClientKey) bool { return f.allow }

type fakeBulkhead struct {
	ok       bool
	acquired int
}

func (f *fakeBulkhead) Acquire(ctx context.Context) (func(), bool) {
	if !f.ok {
		return nil, false
	}
	f.acquired++
	return func() { f.acquired-- }, true
}

func TestGate_RateLimitRejectionSkipsBulkhead(t *testing.T) {
	bh := &fakeBulkhead{ok: true}
	g := &Gate{Limiter: fakeLimiter{allow: false}, Bulkhead: bh, RetryAfter: 2 * time.Second}

	dec := g.Decide(context.Background(), "client-a")
	if dec.Admitted {
		t.Fatal("expected the rate limiter's rejection to deny admission")
	}
	if dec.RetryAfter != 2*time.Second {
		t.Fatalf("expected RetryAfter 2s, got %s", dec.RetryAfter)
	}
	if bh.acquired != 0 {
		t.Fatal("expected the bulkhead never to be touched once the rate limit rejected")
	}
}

func TestGate_BulkheadRejectionDeniesAdmission(t *testing.T) {
	g := &Gate{Limiter: fakeLimiter{allow: true}, Bulkhead: &fakeBulkhead{ok: false}}

	dec := g.Decide(context.Background(), "client-a")
	if dec.Admitted {
		t.Fatal("expected a full bulkhead to deny admission")
	}
}

func TestGate_AdmitsAndReleases(t *testing.T) {
	bh := &fakeBulkhead{ok: true}
	g := &Gate{Limiter: fakeLimiter{allow: true}, Bulkhead: bh}

	dec := g.Decide(context.Background(), "client-a")
	if !dec.Admitted {
		t.Fatal("expected admission to succeed")
	}
	if bh.acquired != 1 {
		t.Fatalf("expected the bulkhead slot to be held, got acquired=%d", bh.acquired)
	}
	dec.Release()
	if bh.acquired != 0 {
		t.Fatal("expected Release to return the bulkhead slot")
	}
}

func TestGate_NilCollaboratorsAlwaysAdmit(t *testing.T) {
	g := &Gate{}
	dec := g.Decide(context.Background(), "client-a")
	if !dec.Admitted {
		t.Fatal("expected a gate with no limiter or bulkhead to always admit")
	}
	dec.Release()
}
