package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter is a RateLimiter backed by golang.org/x/time/rate,
// one bucket per ClientKey, created lazily and reaped once idle.
type TokenBucketLimiter struct {
	mu           sync.Mutex
	entries      map[ClientKey]*bucketEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// TokenBucketOption configures a TokenBucketLimiter at construction.
type TokenBucketOption func(*TokenBucketLimiter)

// WithIdleTTL sets how long an idle client's bucket survives before Reap
// drops it. Default 15m.
func WithIdleTTL(d time.Duration) TokenBucketOption {
	return func(s *TokenBucketLimiter) { s.idleTTL = d }
}

// WithCleanupEvery sets how often StartJanitor sweeps for idle buckets.
// Zero disables the janitor. Default 2m.
func WithCleanupEvery(d time.Duration) TokenBucketOption {
	return func(s *TokenBucketLimiter) { s.cleanupEvery = d }
}

// NewTokenBucketLimiter constructs a limiter admitting rps requests per
// second per client, with burst headroom.
func NewTokenBucketLimiter(rps float64, burst int, opts ...TokenBucketOption) *TokenBucketLimiter {
	s := &TokenBucketLimiter{
		entries:      make(map[ClientKey]*bucketEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TokenBucketLimiter) RPS() float64 { return float64(s.rps) }
func (s *TokenBucketLimiter) Burst() int   { return s.burst }

func (s *TokenBucketLimiter) Allow(key ClientKey) bool {
	now := time.Now()

	s.mu.Lock()
	ent, ok := s.entries[key]
	if !ok {
		ent = &bucketEntry{lim: rate.NewLimiter(s.rps, s.burst)}
		s.entries[key] = ent
	}
	ent.lastSeen = now
	lim := ent.lim
	s.mu.Unlock()

	return lim.Allow()
}

// Reap drops every bucket not seen within idleTTL.
func (s *TokenBucketLimiter) Reap() {
	cutoff := time.Now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor runs Reap every cleanupEvery until ctx ends.
func (s *TokenBucketLimiter) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}
	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Reap()
			}
		}
	}()
}

// ChanBulkhead is a Bulkhead backed by a buffered channel used as a
// counting semaphore. A zero-capacity bulkhead can never grant a slot,
// so its Acquire rejects immediately instead of waiting on ctx.
type ChanBulkhead struct {
	sem chan struct{}
}

// NewChanBulkhead constructs a bulkhead admitting at most max requests
// concurrently.
func NewChanBulkhead(max int) *ChanBulkhead {
	return &ChanBulkhead{sem: make(chan struct{}, max)}
}

func (b *ChanBulkhead) Acquire(ctx context.Context) (func(), bool) {
	if cap(b.sem) == 0 {
		return nil, false
	}
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, true
	case <-ctx.Done():
		return nil, false
	}
}
