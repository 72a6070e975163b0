package dispatch

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"admission-core/dispatch/application"
	"admission-core/dispatch/domain"
	"admission-core/dispatch/infra"
)

// reapInterval is how often the dispatcher sweeps every endpoint's
// free-list for idle worker threads.
const reapInterval = 5 * time.Second

// idleWorkerTTL is how long a free worker thread may sit unleased
// before the reaper stops and drops it.
const idleWorkerTTL = 15 * time.Second

// UrlDispatcher is the central admission controller of spec.md §4.3: it
// partitions concurrency by endpoint, distinguishes Short from Long
// request classes with independent quotas, offers synchronous-blocking
// and asynchronous-delegated dispatch modes, and enforces caller-visible
// timeouts via its own TimerService rather than trusting the
// transport's.
//
// Per spec.md §9, per-endpoint admission is only meaningful if all
// traffic to an endpoint flows through one UrlDispatcher; use Default
// for that, or construct your own with New if you need several
// independently configured instances in one process (e.g. in tests).
type UrlDispatcher struct {
	limits *application.Limits

	useSharedTransport atomic.Bool
	sessionTransport   domain.Transport
	perConnTransport   domain.Transport

	mu        sync.Mutex
	endpoints map[domain.EndpointKey]*application.EndpointState

	timer  *application.TimerService
	pool   *application.WorkerPool
	logger domain.Logger
	stats  domain.StatsStore

	stopReap chan struct{}
}

// Option configures a UrlDispatcher at construction time.
type Option func(*UrlDispatcher)

// WithLogger registers the sink every component logs through.
func WithLogger(l domain.Logger) Option {
	return func(d *UrlDispatcher) { d.logger = l }
}

// WithStats registers a StatsStore to receive admission telemetry.
// Recording is best-effort: a stats failure never affects the request
// it describes.
func WithStats(s domain.StatsStore) Option {
	return func(d *UrlDispatcher) { d.stats = s }
}

// WithMaxConnectionsPerEndpoint sets the hard per-endpoint cap across
// both classes. Default 4.
func WithMaxConnectionsPerEndpoint(n int) Option {
	return func(d *UrlDispatcher) { d.limits.MaxConnections.Store(int32(n)) }
}

// WithMaxLongRunningPerEndpoint sets the Long class's per-endpoint
// quota. Default 2.
func WithMaxLongRunningPerEndpoint(n int) Option {
	return func(d *UrlDispatcher) { d.limits.MaxLongRunning.Store(int32(n)) }
}

// WithUseSharedTransport toggles preferring the session-based transport
// over the per-connection fallback. Default true.
func WithUseSharedTransport(v bool) Option {
	return func(d *UrlDispatcher) { d.useSharedTransport.Store(v) }
}

// WithHTTPClient supplies the *http.Client backing the session-based
// transport.
func WithHTTPClient(c *http.Client) Option {
	return func(d *UrlDispatcher) { d.sessionTransport = infra.NewSessionTransport(c) }
}

// New constructs an independent UrlDispatcher. Most callers should
// prefer Default unless they genuinely need several dispatchers
// admitting against the same process (spec.md §9 warns this defeats
// per-endpoint admission's purpose).
func New(opts ...Option) *UrlDispatcher {
	d := &UrlDispatcher{
		limits:    application.NewLimits(),
		endpoints: make(map[domain.EndpointKey]*application.EndpointState),
		logger:    domain.NoopLogger,
		stopReap:  make(chan struct{}),
	}
	d.useSharedTransport.Store(true)

	for _, opt := range opts {
		opt(d)
	}

	if d.sessionTransport == nil {
		d.sessionTransport = infra.NewSessionTransport(nil)
	}
	d.perConnTransport = infra.NewPerConnectionTransport()

	d.timer = application.NewTimerService(d.logger)
	d.timer.Start()
	d.pool = application.NewWorkerPool("admission-wait", 64, d.logger)

	go d.reapLoop()
	return d
}

var (
	defaultOnce sync.Once
	defaultInst *UrlDispatcher
)

// Default returns the process-wide UrlDispatcher singleton, lazily
// constructed on first use with spec.md's default configuration.
func Default() *UrlDispatcher {
	defaultOnce.Do(func() {
		defaultInst = New()
	})
	return defaultInst
}

// Dispose tears the dispatcher down: stops the reaper, the timer
// service and the admission-wait pool. Live operations are not
// cancelled; call Cancel on them first if a clean shutdown matters.
func (d *UrlDispatcher) Dispose() {
	close(d.stopReap)
	d.timer.Dispose()
	d.pool.Dispose()
}

func (d *UrlDispatcher) reapLoop() {
	t := time.NewTicker(reapInterval)
	defer t.Stop()
	for {
		select {
		case <-d.stopReap:
			return
		case <-t.C:
			d.mu.Lock()
			states := make([]*application.EndpointState, 0, len(d.endpoints))
			for _, es := range d.endpoints {
				states = append(states, es)
			}
			d.mu.Unlock()
			for _, es := range states {
				es.Reap(idleWorkerTTL)
			}
		}
	}
}

func (d *UrlDispatcher) endpointFor(key domain.EndpointKey) *application.EndpointState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if es, ok := d.endpoints[key]; ok {
		return es
	}
	logger := d.logger
	es := application.NewEndpointState(key, d.limits, func() domain.WorkerThread {
		return infra.NewWorkerThread(logger)
	}, logger)
	d.endpoints[key] = es
	return es
}

func (d *UrlDispatcher) transportFor() domain.Transport {
	if d.useSharedTransport.Load() {
		return d.sessionTransport
	}
	return d.perConnTransport
}

func (d *UrlDispatcher) newOperation(req *domain.Request, class domain.RequestClass, delegate domain.Delegate, gatherData bool) (*domain.Operation, *application.EndpointState, error) {
	if req == nil || req.URL == nil || req.URL.Host == "" {
		return nil, nil, &domain.ErrInvalidArgument{Reason: "request URL is nil or missing a host"}
	}
	if delegate == nil {
		return nil, nil, &domain.ErrInvalidArgument{Reason: "delegate is nil"}
	}
	key, ok := domain.EndpointKeyFromURL(req.URL)
	if !ok {
		return nil, nil, &domain.ErrInvalidArgument{Reason: "cannot derive an endpoint key for this URL"}
	}
	op := domain.NewOperation(key, class, req, delegate, gatherData)
	return op, d.endpointFor(key), nil
}

// DispatchSynchronous blocks the calling goroutine until op reaches a
// terminal state, gathering the response body into memory. ctx
// cancellation aborts the wait (queued or in flight) and cancels the
// underlying operation.
func (d *UrlDispatcher) DispatchSynchronous(ctx context.Context, req *domain.Request) ([]byte, *domain.Response, error) {
	op, es, err := d.newOperation(req, domain.Short, noopDelegate{}, true)
	if err != nil {
		return nil, nil, err
	}

	worker, err := es.Acquire(ctx, op)
	if err != nil {
		return nil, nil, err
	}
	d.startOnWorker(op, worker)

	select {
	case <-op.Done():
	case <-ctx.Done():
		d.Cancel(op)
		<-op.Done()
	}
	return op.Data(), op.Response(), op.Err()
}

// DispatchShort issues an asynchronous Short-class request. It never
// rejects for admission reasons: if the endpoint is at capacity, the
// operation waits in the background until a slot frees. The returned
// Operation is an opaque handle usable with Cancel.
func (d *UrlDispatcher) DispatchShort(req *domain.Request, delegate domain.Delegate) (*domain.Operation, error) {
	op, es, err := d.newOperation(req, domain.Short, delegate, false)
	if err != nil {
		return nil, err
	}

	d.pool.Submit(func() {
		worker, err := es.Acquire(context.Background(), op)
		if err != nil {
			return
		}
		d.startOnWorker(op, worker)
	})
	return op, nil
}

// DispatchLong issues an asynchronous Long-class request. It fails
// immediately with *domain.ErrResourceExhausted if the endpoint's Long
// quota is already full at call time; it never queues.
func (d *UrlDispatcher) DispatchLong(req *domain.Request, delegate domain.Delegate) (*domain.Operation, error) {
	op, es, err := d.newOperation(req, domain.Long, delegate, false)
	if err != nil {
		return nil, err
	}

	worker, err := es.TryAcquireLong(op)
	if err != nil {
		d.recordStat(op, "resource_exhausted")
		return nil, err
	}
	d.startOnWorker(op, worker)
	return op, nil
}

// IsLongRequestAllowed is the advisory, racy-by-design predicate behind
// whether a call to DispatchLong would currently succeed admission.
func (d *UrlDispatcher) IsLongRequestAllowed(req *domain.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	key, ok := domain.EndpointKeyFromURL(req.URL)
	if !ok {
		return false
	}
	return d.endpointFor(key).IsLongAllowed()
}

// Cancel initiates cancellation of op. A no-op if op has already
// reached a terminal state; calling Cancel any number of times on one
// operation has the same effect as calling it once.
func (d *UrlDispatcher) Cancel(op *domain.Operation) {
	if op.State().IsTerminal() {
		return
	}

	worker := op.Worker()
	if worker == nil {
		// Still Pending/Waiting: Finish wakes the blocked
		// Acquire/abandonWait, which returns the slot if one had
		// already been granted in a race. There is no worker to
		// serialize the delegate callback onto, so it runs here.
		if op.Finish(domain.Cancelled, nil) {
			op.Delegate().DidFinish(op)
			d.recordStat(op, "cancelled")
		}
		return
	}

	worker.Post(func() {
		if h, ok := op.CurrentHandle(); ok {
			if h != nil {
				h.Cancel()
			}
			d.terminate(op, domain.Cancelled, nil)
		}
	})
}

func (d *UrlDispatcher) startOnWorker(op *domain.Operation, worker domain.WorkerThread) {
	d.recordStat(op, "admitted")
	d.armTimeout(op)

	worker.Post(func() {
		cb := &callbackBridge{d: d, op: op, worker: worker}
		handle, err := d.transportFor().CreateHandle(op.Request(), cb)
		if err != nil {
			d.cancelTimeout(op)
			d.terminate(op, domain.Failed, &domain.ErrNoTransport{URL: requestURL(op.Request()), Err: err})
			return
		}
		cb.handle = handle
		if !op.SetHandle(handle) {
			handle.Cancel()
		}
	})
}

func (d *UrlDispatcher) armTimeout(op *domain.Operation) {
	timeout := op.Request().Timeout
	if timeout <= 0 {
		return
	}
	d.timer.ScheduleAfter(application.Tag{Target: op, Selector: "timeout"}, timeout, func() {
		d.onTimeout(op)
	})
}

func (d *UrlDispatcher) cancelTimeout(op *domain.Operation) {
	d.timer.CancelMatching(op, "timeout")
}

func (d *UrlDispatcher) onTimeout(op *domain.Operation) {
	worker := op.Worker()
	if worker == nil {
		return
	}
	worker.Post(func() {
		if h, ok := op.CurrentHandle(); ok {
			if h != nil {
				h.Cancel()
			}
			d.terminate(op, domain.TimedOut, &domain.ErrTimeout{URL: requestURL(op.Request()), Err: context.DeadlineExceeded})
		}
	})
}

// terminate performs the single terminal transition for op, releases
// its endpoint slot, and delivers exactly one terminal delegate
// callback. Idempotent: a losing race (e.g. cancel vs. timeout, or a
// repeated terminate call) observes op.Finish returning false and does
// nothing further.
func (d *UrlDispatcher) terminate(op *domain.Operation, state domain.State, err error) {
	if !op.Finish(state, err) {
		return
	}
	d.cancelTimeout(op)
	if worker := op.Worker(); worker != nil {
		d.endpointFor(op.Endpoint()).Release(op.Class(), worker)
	}

	switch state {
	case domain.Completed, domain.Cancelled:
		op.Delegate().DidFinish(op)
	default:
		op.Delegate().DidFail(op, err)
	}
	d.recordStat(op, state.String())
}

func (d *UrlDispatcher) recordStat(op *domain.Operation, event string) {
	if d.stats == nil {
		return
	}
	_ = d.stats.Record(context.Background(), domain.StatsEvent{
		Endpoint: op.Endpoint(),
		Class:    op.Class(),
		Event:    event,
		At:       time.Now(),
	})
}

func requestURL(req *domain.Request) string {
	if req == nil || req.URL == nil {
		return "<nil>"
	}
	return req.URL.String()
}

type noopDelegate struct{}

func (noopDelegate) DidReceiveResponse(*domain.Operation, *domain.Response) {}
func (noopDelegate) DidReceiveData(*domain.Operation, []byte) {}
func (noopDelegate) DidFinish(*domain.Operation) {}
func (noopDelegate) DidFail(*domain.Operation, error) {}

// callbackBridge adapts a domain.Transport's Callbacks into delegate
// dispatch, marshalled back onto the operation's leased worker so every
// delegate callback for a given operation is serialized.
type callbackBridge struct {
	d      *UrlDispatcher
	op     *domain.Operation
	worker domain.WorkerThread
	handle domain.Handle
}

func (cb *callbackBridge) OnResponse(resp *domain.Response) {
	cb.worker.Post(func() {
		if !cb.op.MatchesHandle(cb.handle) {
			return
		}
		if challenge := authChallengeFor(resp); challenge != nil && cb.op.HasAuthHandler() {
			handler := cb.op.Delegate().(domain.AuthChallengeHandler)
			if handler.WillSendRequestForAuthenticationChallenge(cb.op, challenge) == domain.CancelAuthChallenge {
				if cb.handle != nil {
					cb.handle.Cancel()
				}
				cb.d.terminate(cb.op, domain.Cancelled, nil)
				return
			}
			// PerformDefaultHandling: this transport never retries with
			// credentials, so default handling is to deliver the
			// challenge response as an ordinary one.
		}
		cb.op.SetResponse(resp)
		cb.op.Delegate().DidReceiveResponse(cb.op, resp)
		if cb.op.Class() == domain.Long {
			cb.d.cancelTimeout(cb.op)
		}
	})
}

// authChallengeFor recognizes a 401/407 response as an authentication
// challenge, extracting the scheme and realm from the relevant
// WWW-Authenticate/Proxy-Authenticate header. Returns nil for any other
// status.
func authChallengeFor(resp *domain.Response) *domain.AuthChallenge {
	var header, value string
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		header = "WWW-Authenticate"
	case http.StatusProxyAuthRequired:
		header = "Proxy-Authenticate"
	default:
		return nil
	}
	value = resp.Header.Get(header)
	if value == "" {
		return nil
	}

	scheme := value
	if sp := strings.IndexByte(value, ' '); sp >= 0 {
		scheme = value[:sp]
	}

	challenge := &domain.AuthChallenge{Scheme: scheme}
	if idx := strings.Index(value, `realm="`); idx >= 0 {
		rest := value[idx+len(`realm="`):]
		if end := strings.IndexByte(rest, '"'); end >= 0 {
			challenge.Realm = rest[:end]
		}
	}
	return challenge
}

func (cb *callbackBridge) OnData(chunk []byte) {
	cb.worker.Post(func() {
		if !cb.op.MatchesHandle(cb.handle) {
			return
		}
		cb.op.AppendData(chunk)
		cb.op.Delegate().DidReceiveData(cb.op, chunk)
	})
}

func (cb *callbackBridge) OnComplete(err error) {
	cb.worker.Post(func() {
		if !cb.op.MatchesHandle(cb.handle) {
			return
		}
		if err != nil {
			cb.d.terminate(cb.op, domain.Failed, err)
			return
		}
		cb.d.terminate(cb.op, domain.Completed, nil)
	})
}
