package infra

import (
	"context"
	"io"
	"net/http"

	"admission-core/dispatch/domain"
)

// httpHandle wraps the context.CancelFunc that tears down one in-flight
// request. Cancel is safe to call more than once; the second call is a
// no-op context cancellation.
type httpHandle struct {
	cancel context.CancelFunc
}

func (h *httpHandle) Cancel() { h.cancel() }

// SessionTransport is the session-based domain.Transport: every
// operation shares one process-wide *http.Client (and therefore its
// connection pool, redirect policy, and TLS config), matching the
// "modern session-based transport" the dispatcher prefers when
// UseSharedTransport is set.
//
// Deliberately ignores domain.Request.Timeout: the core's own
// TimerService enforces the caller's declared timeout; the transport's
// own timer is never armed, per spec.md §4.3 ("the timeout interval on
// the outgoing request is zeroed").
type SessionTransport struct {
	client *http.Client
}

// NewSessionTransport constructs a shared-client transport. A nil
// client falls back to a client using a fresh zero-value
// http.Transport, with no client-level timeout.
func NewSessionTransport(client *http.Client) *SessionTransport {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{}}
	}
	return &SessionTransport{client: client}
}

func (t *SessionTransport) CreateHandle(req *domain.Request, cb domain.Callbacks) (domain.Handle, error) {
	return createHandle(t.client, req, cb)
}

// PerConnectionTransport constructs a fresh *http.Client (and therefore
// a fresh connection) for every operation. Used as the fallback when a
// shared session-based client is unavailable or disabled.
type PerConnectionTransport struct{}

func NewPerConnectionTransport() *PerConnectionTransport { return &PerConnectionTransport{} }

func (t *PerConnectionTransport) CreateHandle(req *domain.Request, cb domain.Callbacks) (domain.Handle, error) {
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	return createHandle(client, req, cb)
}

func createHandle(client *http.Client, req *domain.Request, cb domain.Callbacks) (domain.Handle, error) {
	if req == nil || req.URL == nil {
		return nil, &domain.ErrNoTransport{URL: "<nil>"}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithCancel(context.Background())
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), req.Body)
	if err != nil {
		cancel()
		return nil, &domain.ErrNoTransport{URL: req.URL.String(), Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	handle := &httpHandle{cancel: cancel}

	go runRequest(client, httpReq, cb)

	return handle, nil
}

func runRequest(client *http.Client, httpReq *http.Request, cb domain.Callbacks) {
	resp, err := client.Do(httpReq)
	if err != nil {
		cb.OnComplete(err)
		return
	}
	defer resp.Body.Close()

	cb.OnResponse(&domain.Response{
		StatusCode: resp.StatusCode,
		Header:     domain.Header(resp.Header),
		URL:        httpReq.URL,
	})

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			cb.OnData(chunk)
		}
		if rerr != nil {
			if rerr == io.EOF {
				cb.OnComplete(nil)
			} else {
				cb.OnComplete(rerr)
			}
			return
		}
	}
}
