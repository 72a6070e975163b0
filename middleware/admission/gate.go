package admission

import (
	"context"
	"time"
)

// Gate combines a RateLimiter and a Bulkhead behind one admission
// decision, the inbound mirror of how dispatch/application.EndpointState
// combines a slot count and a wait queue behind one Acquire. Either
// collaborator may be nil to disable that half of the check.
type Gate struct {
	Limiter        RateLimiter
	Bulkhead       Bulkhead
	AcquireTimeout time.Duration
	RetryAfter     time.Duration
}

// RejectReason distinguishes why Decide denied admission, so an HTTP
// binding can pick a distinct status code per cause the way the
// teacher's separate rate-limit and concurrency middlewares each had
// their own RejectStatus.
type RejectReason int

const (
	// NotRejected means the attempt was admitted.
	NotRejected RejectReason = iota
	// RejectedByRateLimit means the client's own rate limiter denied it.
	RejectedByRateLimit
	// RejectedByBulkhead means the shared concurrency slot pool was full.
	RejectedByBulkhead
)

// Decision is the outcome of one admission attempt.
type Decision struct {
	Admitted   bool
	Reason     RejectReason
	RetryAfter time.Duration
	// Release must be called exactly once when Admitted is true and the
	// request has finished, to return any bulkhead slot taken.
	Release func()
}

// Decide evaluates the rate limiter first (cheap, no blocking), then the
// bulkhead (which may block up to AcquireTimeout; with a zero
// AcquireTimeout the wait is bounded only by ctx). A rate-limit rejection
// never touches the bulkhead, so a client already over its rate never
// consumes a concurrency slot.
func (g *Gate) Decide(ctx context.Context, key ClientKey) Decision {
	if g.Limiter != nil && !g.Limiter.Allow(key) {
		retryAfter := g.RetryAfter
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return Decision{Reason: RejectedByRateLimit, RetryAfter: retryAfter}
	}

	if g.Bulkhead == nil {
		return Decision{Admitted: true, Release: func() {}}
	}

	acqCtx := ctx
	if g.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, g.AcquireTimeout)
		defer cancel()
	}
	release, ok := g.Bulkhead.Acquire(acqCtx)
	if !ok {
		return Decision{Reason: RejectedByBulkhead}
	}
	return Decision{Admitted: true, Release: release}
}
