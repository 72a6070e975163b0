package domain

import (
	"io"
	"net/url"
	"time"
)

// Header is a minimal multi-value header map, kept independent of
// net/http so that domain has no transport dependency of its own.
type Header map[string][]string

// Get returns the first value associated with key, or "".
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	v := h[key]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Set replaces key's value(s) with a single v.
func (h Header) Set(key, v string) { h[key] = []string{v} }

// Request is the transport-agnostic descriptor of one outbound request.
type Request struct {
	URL     *url.URL
	Method  string
	Header  Header
	Body    io.Reader
	Timeout time.Duration
}

// Response is the transport-agnostic response metadata delivered to a
// delegate's DidReceiveResponse callback.
type Response struct {
	StatusCode int
	Header     Header
	URL        *url.URL
}

// Handle is a live, cancellable transport operation. CreateHandle returns
// one per Operation; Cancel must be safe to call more than once.
type Handle interface {
	Cancel()
}

// Callbacks is the set of hooks a Transport invokes as a request
// progresses. The caller of CreateHandle (the admission core) is
// responsible for marshalling these back onto the operation's leased
// worker before any of them touch delegate state.
type Callbacks interface {
	OnResponse(*Response)
	OnData(chunk []byte)
	OnComplete(err error)
}

// Transport is the capability the core depends on to actually perform
// network I/O. Two implementations are expected to satisfy it: a
// session-based transport sharing one underlying client across
// operations, and a per-connection transport constructing a fresh one
// per operation. Selection between them is a configuration choice made
// above this interface.
type Transport interface {
	CreateHandle(req *Request, cb Callbacks) (Handle, error)
}
