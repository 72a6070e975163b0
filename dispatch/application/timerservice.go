package application

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"admission-core/dispatch/domain"
)

// anchorInterval bounds how long the worker ever sleeps with an empty
// queue, so a Stop or a newly scheduled invocation is never starved.
const anchorInterval = 5 * time.Second

// Tag identifies a scheduled invocation for later cancellation. It
// models the original (target, selector, arg) triple as a plain
// comparable tuple: Target is required, Selector and Arg are optional
// refinements a caller can also match on.
type Tag struct {
	Target   any
	Selector string
	Arg      any
}

type scheduledInvocation struct {
	tag      Tag
	deadline time.Time
	seq      uint64
	fn       func()
}

// TimerService is a single-worker scheduler of one-shot delayed
// invocations, decoupled from the caller's goroutine. All scheduled
// functions run serialized on the service's own worker; callers are
// expected to keep them short.
//
// Grounded on the generic, dependency-free scheduling shape of
// spec.md §4.1; there is no equivalent in the teacher repo, so the
// worker-loop idiom (mutex-protected slice, a wake channel, a
// time.Timer reset to the next deadline) follows the channel-and-mutex
// style the teacher uses throughout infra (see infra.Store's janitor
// goroutine).
type TimerService struct {
	mu      sync.Mutex
	pending []*scheduledInvocation
	seq     uint64
	logger  domain.Logger

	wake    chan struct{}
	stopCh  chan struct{}
	started bool
	stopped bool
}

// NewTimerService constructs a service in the stopped state; call Start
// to begin processing. A nil logger is replaced with domain.NoopLogger.
func NewTimerService(logger domain.Logger) *TimerService {
	if logger == nil {
		logger = domain.NoopLogger
	}
	return &TimerService{
		logger: logger,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

var (
	defaultOnce sync.Once
	defaultSvc  *TimerService
)

// Default returns the process-wide TimerService singleton, constructing
// and starting it on first use (double-checked via sync.Once).
func Default() *TimerService {
	defaultOnce.Do(func() {
		defaultSvc = NewTimerService(domain.NoopLogger)
		defaultSvc.Start()
	})
	return defaultSvc
}

// Start launches the worker goroutine. Calling Start more than once is
// a no-op.
func (s *TimerService) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.loop()
}

// Dispose sets the running flag to false; the worker exits after its
// current iteration. Safe to call more than once.
func (s *TimerService) Dispose() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
}

// ScheduleAfter enqueues fn to run after delay, tagged for later
// cancellation via CancelMatching.
func (s *TimerService) ScheduleAfter(tag Tag, delay time.Duration, fn func()) {
	s.mu.Lock()
	s.seq++
	s.pending = append(s.pending, &scheduledInvocation{
		tag:      tag,
		deadline: time.Now().Add(delay),
		seq:      s.seq,
		fn:       fn,
	})
	s.mu.Unlock()
	s.nudge()
}

// ScheduleBlockAfter is ScheduleAfter for a closure with no tag; it can
// only be cancelled as a group via an untagged CancelMatching(nil).
func (s *TimerService) ScheduleBlockAfter(delay time.Duration, fn func()) {
	s.ScheduleAfter(Tag{}, delay, fn)
}

// CancelMatching cancels every pending invocation whose tag matches
// target, and, if provided, selector (rest[0]) and arg (rest[1]).
// Invocations already executing or executed are not cancellable.
// Returns the number of invocations removed.
func (s *TimerService) CancelMatching(target any, rest ...any) int {
	var selector string
	var arg any
	matchSelector := len(rest) > 0
	matchArg := len(rest) > 1
	if matchSelector {
		selector, _ = rest[0].(string)
	}
	if matchArg {
		arg = rest[1]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.pending[:0:0]
	removed := 0
	for _, it := range s.pending {
		match := it.tag.Target == target
		if match && matchSelector {
			match = it.tag.Selector == selector
		}
		if match && matchArg {
			match = it.tag.Arg == arg
		}
		if match {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	s.pending = kept
	return removed
}

func (s *TimerService) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *TimerService) loop() {
	for {
		due, next := s.dueAndNextWake()
		for _, it := range due {
			s.invoke(it)
		}
		if len(due) > 0 {
			continue
		}

		wait := anchorInterval
		if next > 0 && next < wait {
			wait = next
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dueAndNextWake pops every invocation whose deadline has passed, in
// monotonic-deadline order with ties broken by insertion order, and
// reports how long until the next pending deadline (0 if none pending).
func (s *TimerService) dueAndNextWake() ([]*scheduledInvocation, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sort.Slice(s.pending, func(i, j int) bool {
		if s.pending[i].deadline.Equal(s.pending[j].deadline) {
			return s.pending[i].seq < s.pending[j].seq
		}
		return s.pending[i].deadline.Before(s.pending[j].deadline)
	})

	var due []*scheduledInvocation
	i := 0
	for i < len(s.pending) && !s.pending[i].deadline.After(now) {
		due = append(due, s.pending[i])
		i++
	}
	s.pending = s.pending[i:]

	if len(s.pending) == 0 {
		return due, 0
	}
	return due, s.pending[0].deadline.Sub(now)
}

func (s *TimerService) invoke(it *scheduledInvocation) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Log("timer", fmt.Sprintf("panic in scheduled invocation: %v", r))
		}
	}()
	it.fn()
}
