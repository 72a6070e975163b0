package application

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"admission-core/dispatch/domain"
)

// Limits are the two runtime-settable quotas shared by every
// EndpointState under one UrlDispatcher. Long admissions check against
// MaxLongRunning; Short admissions (and the hard cap itself) check
// against MaxConnections. The difference between the two is the
// guaranteed minimum of slots reserved for Short against Long
// starvation.
type Limits struct {
	MaxConnections atomic.Int32
	MaxLongRunning atomic.Int32
}

// NewLimits constructs Limits with spec.md's defaults (4 / 2).
func NewLimits() *Limits {
	l := &Limits{}
	l.MaxConnections.Store(4)
	l.MaxLongRunning.Store(2)
	return l
}

type acquireResult struct {
	worker domain.WorkerThread
	err    error
}

type waiter struct {
	op    *domain.Operation
	grant chan acquireResult
}

// EndpointState is the per-endpoint admission gate: connection-thread
// free-list, short/long counts, short/long FIFO wait queues, and a
// last-activity timestamp for idle bookkeeping.
//
// Grounded on spec.md §3/§4.3's admission and release algorithms. The
// teacher has no direct analogue of per-class quotas, but its
// chanPool/ConcurrencyService pairing (a blocking Acquire gated by a
// fixed-capacity channel, wrapped with a configurable timeout) is the
// shape this generalizes: one gate per class instead of one gate for
// everything, with a release that promotes the next same-class waiter
// by direct channel handoff to preserve FIFO order without a thundering
// herd on a shared condition variable.
type EndpointState struct {
	key     domain.EndpointKey
	limits  *Limits
	factory func() domain.WorkerThread
	logger  domain.Logger

	mu           sync.Mutex
	shortCount   int
	longCount    int
	shortWait    []*waiter
	longWait     []*waiter
	freeWorkers  []domain.WorkerThread
	totalWorkers int
	lastActivity time.Time
}

// NewEndpointState constructs the admission gate for key. factory
// constructs a fresh domain.WorkerThread, invoked only when the free
// list is empty and the endpoint has not yet reached its hard cap of
// live worker threads.
func NewEndpointState(key domain.EndpointKey, limits *Limits, factory func() domain.WorkerThread, logger domain.Logger) *EndpointState {
	if logger == nil {
		logger = domain.NoopLogger
	}
	return &EndpointState{
		key:          key,
		limits:       limits,
		factory:      factory,
		logger:       logger,
		lastActivity: time.Now(),
	}
}

// Key returns the endpoint this state admits for.
func (s *EndpointState) Key() domain.EndpointKey { return s.key }

// LastActivity reports when this endpoint last admitted, queued, or
// released an operation.
func (s *EndpointState) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *EndpointState) touchLocked() { s.lastActivity = time.Now() }

func (s *EndpointState) canAdmitLocked(class domain.RequestClass) bool {
	total := s.shortCount + s.longCount
	if total >= int(s.limits.MaxConnections.Load()) {
		return false
	}
	if class == domain.Long && s.longCount >= int(s.limits.MaxLongRunning.Load()) {
		return false
	}
	return true
}

func (s *EndpointState) leaseWorkerLocked() domain.WorkerThread {
	if n := len(s.freeWorkers); n > 0 {
		w := s.freeWorkers[n-1]
		s.freeWorkers = s.freeWorkers[:n-1]
		return w
	}
	w := s.factory()
	s.totalWorkers++
	return w
}

func (s *EndpointState) releaseWorkerLocked(w domain.WorkerThread) {
	if w == nil {
		return
	}
	s.freeWorkers = append(s.freeWorkers, w)
}

func (s *EndpointState) incLocked(class domain.RequestClass) {
	if class == domain.Long {
		s.longCount++
	} else {
		s.shortCount++
	}
}

func (s *EndpointState) decLocked(class domain.RequestClass) {
	if class == domain.Long {
		s.longCount--
	} else {
		s.shortCount--
	}
}

func (s *EndpointState) waitQueueLocked(class domain.RequestClass) *[]*waiter {
	if class == domain.Long {
		return &s.longWait
	}
	return &s.shortWait
}

// Acquire runs the blocking admission path used by DispatchSynchronous
// (on the caller's own goroutine) and by DispatchShort's async callers
// (on a dedicated admission-wait goroutine): if a slot is free it is
// granted immediately; otherwise the caller queues FIFO on class's wait
// queue until a slot frees or ctx is cancelled.
func (s *EndpointState) Acquire(ctx context.Context, op *domain.Operation) (domain.WorkerThread, error) {
	class := op.Class()

	s.mu.Lock()
	if s.canAdmitLocked(class) {
		s.incLocked(class)
		w := s.leaseWorkerLocked()
		s.touchLocked()
		s.mu.Unlock()
		return s.finalizeAdmission(op, class, w)
	}

	wt := &waiter{op: op, grant: make(chan acquireResult, 1)}
	q := s.waitQueueLocked(class)
	*q = append(*q, wt)
	s.touchLocked()
	s.mu.Unlock()

	op.SetWaiting()

	select {
	case res := <-wt.grant:
		if res.err != nil {
			return nil, res.err
		}
		return s.finalizeAdmission(op, class, res.worker)
	case <-ctx.Done():
		return nil, s.abandonWait(class, wt, ctx.Err())
	case <-op.Done():
		return nil, s.abandonWait(class, wt, nil)
	}
}

// abandonWait removes wt from class's wait queue if it is still there.
// If a grant had already been sent concurrently (the waiter was popped
// by Release just before the cancellation took the lock), the granted
// slot is handed straight back via releaseAndPromote so it is not
// leaked. Returns the error to propagate to the caller (falling back to
// errFallback when ctx carried none).
func (s *EndpointState) abandonWait(class domain.RequestClass, wt *waiter, errFallback error) error {
	s.mu.Lock()
	q := s.waitQueueLocked(class)
	for i, w := range *q {
		if w == wt {
			*q = append((*q)[:i], (*q)[i+1:]...)
			s.mu.Unlock()
			if errFallback != nil {
				return errFallback
			}
			return context.Canceled
		}
	}
	s.mu.Unlock()

	// Already popped by a concurrent Release: drain the grant (it was
	// sent while the lock was held, so it is already available) and
	// give the slot straight back.
	select {
	case res := <-wt.grant:
		if res.err == nil {
			s.releaseAndPromote(class, res.worker)
		}
	default:
	}
	if errFallback != nil {
		return errFallback
	}
	return context.Canceled
}

// TryAcquireLong is the non-queueing admission path used by
// DispatchLong: it fails immediately with domain.ErrResourceExhausted
// rather than waiting, so an async long dispatch never blocks its
// caller.
func (s *EndpointState) TryAcquireLong(op *domain.Operation) (domain.WorkerThread, error) {
	s.mu.Lock()
	if s.canAdmitLocked(domain.Long) {
		s.incLocked(domain.Long)
		w := s.leaseWorkerLocked()
		s.touchLocked()
		s.mu.Unlock()
		return s.finalizeAdmission(op, domain.Long, w)
	}
	s.mu.Unlock()
	return nil, &domain.ErrResourceExhausted{Endpoint: s.key, Class: domain.Long}
}

// finalizeAdmission completes an admission decision already reflected
// in the endpoint's counters and worker bookkeeping: it attempts the
// Operation's Pending/Waiting -> Running transition and, if that loses
// a race to a concurrent cancel or timeout (op already terminal), hands
// the just-leased slot and worker straight back via Release instead of
// leaking them.
func (s *EndpointState) finalizeAdmission(op *domain.Operation, class domain.RequestClass, worker domain.WorkerThread) (domain.WorkerThread, error) {
	if op.SetRunning(worker) {
		return worker, nil
	}
	s.Release(class, worker)
	return nil, context.Canceled
}

// IsLongAllowed is the advisory, non-reserving predicate behind
// UrlDispatcher.IsLongRequestAllowed.
func (s *EndpointState) IsLongAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canAdmitLocked(domain.Long)
}

// Release is called on any terminal transition of an operation that had
// been admitted (Running): it frees the class slot and the worker, then
// promotes the head of the same class's wait queue, if any, by direct
// channel handoff (preserving FIFO order without a thundering herd).
func (s *EndpointState) Release(class domain.RequestClass, worker domain.WorkerThread) {
	s.mu.Lock()
	s.decLocked(class)
	s.releaseWorkerLocked(worker)
	s.touchLocked()
	s.promoteLocked(class)
	s.mu.Unlock()
}

func (s *EndpointState) releaseAndPromote(class domain.RequestClass, worker domain.WorkerThread) {
	s.mu.Lock()
	s.decLocked(class)
	s.releaseWorkerLocked(worker)
	s.touchLocked()
	s.promoteLocked(class)
	s.mu.Unlock()
}

// promoteLocked must be called with s.mu held. A freed slot of class c
// always satisfies canAdmitLocked(c) again (the count just decreased
// and the total just decreased), so admitting the head waiter, if any,
// is unconditional.
func (s *EndpointState) promoteLocked(class domain.RequestClass) {
	q := s.waitQueueLocked(class)
	if len(*q) == 0 {
		return
	}
	wt := (*q)[0]
	*q = (*q)[1:]
	s.incLocked(class)
	w := s.leaseWorkerLocked()
	wt.grant <- acquireResult{worker: w}
}

// Reap stops and drops every free worker that has been idle for at
// least ttl, mirroring the teacher's periodic janitor
// (infra.Store.StartJanitor) but applied to leased worker threads
// instead of rate-limit cache entries.
func (s *EndpointState) Reap(ttl time.Duration) {
	now := time.Now()

	s.mu.Lock()
	kept := s.freeWorkers[:0:0]
	var stale []domain.WorkerThread
	for _, w := range s.freeWorkers {
		if now.Sub(w.LastActivity()) >= ttl {
			stale = append(stale, w)
			s.totalWorkers--
			continue
		}
		kept = append(kept, w)
	}
	s.freeWorkers = kept
	s.mu.Unlock()

	for _, w := range stale {
		w.Stop()
		s.logger.Log("dispatcher", "reaped idle worker for "+s.key.String())
	}
}
