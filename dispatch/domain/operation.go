package domain

import (
	"bytes"
	"sync"
)

// State is an Operation's position in its lifecycle. An operation moves
// through Pending -> Waiting? -> Running -> exactly one terminal state
// in {Completed, Cancelled, TimedOut, Failed}.
type State int

const (
	Pending State = iota
	Waiting
	Running
	Completed
	Cancelled
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is one of the four terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Cancelled, TimedOut, Failed:
		return true
	default:
		return false
	}
}

// Operation is one logical request in flight (or queued, or finished)
// through the admission core. Dispatch callers use the read-only
// accessors below; the state-changing methods (SetWaiting, SetRunning,
// SetHandle, SetResponse, AppendData, Finish) are called by
// application.EndpointState and the dispatcher.
type Operation struct {
	mu sync.Mutex

	endpoint EndpointKey
	class    RequestClass
	request  *Request
	delegate Delegate

	hasAuthHandler bool
	gatherData     bool

	state    State
	response *Response
	err      error
	data     bytes.Buffer

	// handle is the live transport handle, cleared on terminal
	// transition. Late transport callbacks compare against this under
	// mu and are dropped silently if it no longer matches.
	handle Handle

	// worker is the leased worker currently servicing this operation,
	// nil while Pending/Waiting.
	worker WorkerThread

	// done is closed exactly once, at terminal transition, to signal a
	// synchronous caller blocked in DispatchSynchronous.
	done chan struct{}
}

// NewOperation constructs a Pending operation. It is otherwise only
// constructed by the dispatcher's factory methods.
func NewOperation(endpoint EndpointKey, class RequestClass, req *Request, delegate Delegate, gatherData bool) *Operation {
	_, hasAuth := delegate.(AuthChallengeHandler)
	return &Operation{
		endpoint:       endpoint,
		class:          class,
		request:        req,
		delegate:       delegate,
		hasAuthHandler: hasAuth,
		gatherData:     gatherData,
		state:          Pending,
		done:           make(chan struct{}),
	}
}

func (o *Operation) Endpoint() EndpointKey { return o.endpoint }
func (o *Operation) Class() RequestClass   { return o.class }
func (o *Operation) Request() *Request     { return o.request }
func (o *Operation) HasAuthHandler() bool  { return o.hasAuthHandler }
func (o *Operation) GatherData() bool      { return o.gatherData }
func (o *Operation) Delegate() Delegate    { return o.delegate }

// State returns the operation's current state under lock.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Response returns the response metadata, valid once set (after
// DidReceiveResponse would have fired).
func (o *Operation) Response() *Response {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.response
}

// Err returns the terminal error, if any.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Data returns a copy of the accumulated body, valid when GatherData is
// set and the operation has reached a terminal state.
func (o *Operation) Data() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]byte, o.data.Len())
	copy(out, o.data.Bytes())
	return out
}

// Done returns the channel closed exactly once at terminal transition.
func (o *Operation) Done() <-chan struct{} { return o.done }

// SetWaiting transitions Pending -> Waiting. Returns false if the
// operation is already terminal (a race with a concurrent cancel).
func (o *Operation) SetWaiting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsTerminal() {
		return false
	}
	o.state = Waiting
	return true
}

// SetRunning transitions Pending/Waiting -> Running and records the
// leased worker. Returns false if the operation is already terminal.
func (o *Operation) SetRunning(worker WorkerThread) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsTerminal() {
		return false
	}
	o.state = Running
	o.worker = worker
	return true
}

// SetHandle records the live transport handle for an operation that is
// Running. Returns false (and leaves the handle unset) if the operation
// has already gone terminal, e.g. raced by a cancel between admission
// and handle construction.
func (o *Operation) SetHandle(h Handle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsTerminal() {
		return false
	}
	o.handle = h
	return true
}

// CurrentHandle returns the live transport handle and true, unless the
// operation has already reached a terminal state (ok=false), in which
// case there is nothing left to cancel. Used by the dispatcher's cancel
// and timeout paths to race safely: whichever fires first clears the
// handle via Finish; the loser observes ok=false and does nothing.
func (o *Operation) CurrentHandle() (Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsTerminal() {
		return nil, false
	}
	return o.handle, true
}

// MatchesHandle reports whether h is still this operation's live handle.
// Transport callbacks must check this under lock before acting, so a
// late callback racing a cancel/timeout is dropped rather than mutating
// a terminal operation.
func (o *Operation) MatchesHandle(h Handle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.state.IsTerminal() && o.handle == h
}

// AppendData records an incremental chunk into the cumulative buffer
// when GatherData is set. Safe to call only while Running.
func (o *Operation) AppendData(chunk []byte) {
	if !o.gatherData {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data.Write(chunk)
}

// SetResponse records response metadata received before any data.
func (o *Operation) SetResponse(resp *Response) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.response = resp
}

// Worker returns the leased worker, or nil if not yet Running.
func (o *Operation) Worker() WorkerThread {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.worker
}

// Finish performs the single terminal transition to one of
// {Completed, Cancelled, TimedOut, Failed}, recording err (nil for a
// clean Completed/Cancelled) and signalling Done exactly once.
//
// Returns false if the operation was already terminal, making repeated
// calls (e.g. a timer and a cancel racing) idempotent: only the first
// caller observes true and performs the transition.
func (o *Operation) Finish(state State, err error) bool {
	if !state.IsTerminal() {
		panic("domain: Finish requires a terminal state")
	}
	o.mu.Lock()
	if o.state.IsTerminal() {
		o.mu.Unlock()
		return false
	}
	o.state = state
	o.err = err
	o.handle = nil
	o.mu.Unlock()
	close(o.done)
	return true
}
