package infra

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"admission-core/dispatch/domain"
)

type collectingCallbacks struct {
	mu       sync.Mutex
	resp     *domain.Response
	data     []byte
	complete chan error
}

func newCollectingCallbacks() *collectingCallbacks {
	return &collectingCallbacks{complete: make(chan error, 1)}
}

func (c *collectingCallbacks) OnResponse(r *domain.Response) {
	c.mu.Lock()
	c.resp = r
	c.mu.Unlock()
}

func (c *collectingCallbacks) OnData(chunk []byte) {
	c.mu.Lock()
	c.data = append(c.data, chunk...)
	c.mu.Unlock()
}

func (c *collectingCallbacks) OnComplete(err error) { c.complete <- err }

func TestSessionTransport_CreateHandle_DeliversResponseAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	tr := NewSessionTransport(nil)
	cb := newCollectingCallbacks()
	handle, err := tr.CreateHandle(&domain.Request{URL: u, Method: http.MethodGet}, cb)
	if err != nil {
		t.Fatalf("CreateHandle: %v", err)
	}
	defer handle.Cancel()

	select {
	case err := <-cb.complete:
		if err != nil {
			t.Fatalf("unexpected completion error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.resp == nil || cb.resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 response, got %+v", cb.resp)
	}
	if cb.resp.Header.Get("X-Test") != "yes" {
		t.Fatalf("expected X-Test header to be propagated, got %q", cb.resp.Header.Get("X-Test"))
	}
	if string(cb.data) != "hello world" {
		t.Fatalf("got body %q, want %q", cb.data, "hello world")
	}
}

func TestHandle_CancelAbortsInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-block
	}))
	defer srv.Close()
	defer close(block)

	u, _ := url.Parse(srv.URL)
	tr := NewSessionTransport(nil)
	cb := newCollectingCallbacks()
	handle, err := tr.CreateHandle(&domain.Request{URL: u}, cb)
	if err != nil {
		t.Fatalf("CreateHandle: %v", err)
	}

	<-started
	handle.Cancel()

	select {
	case err := <-cb.complete:
		if err == nil {
			t.Fatal("expected a cancellation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancellation to surface")
	}
}

func TestCreateHandle_NilURLFailsSynchronously(t *testing.T) {
	tr := NewSessionTransport(nil)
	_, err := tr.CreateHandle(&domain.Request{}, newCollectingCallbacks())
	if err == nil {
		t.Fatal("expected an error for a request with a nil URL")
	}
}

func TestPerConnectionTransport_CreateHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	tr := NewPerConnectionTransport()
	cb := newCollectingCallbacks()
	handle, err := tr.CreateHandle(&domain.Request{URL: u}, cb)
	if err != nil {
		t.Fatalf("CreateHandle: %v", err)
	}
	defer handle.Cancel()

	select {
	case err := <-cb.complete:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}
