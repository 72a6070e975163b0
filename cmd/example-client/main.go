package main

import (
	"context"
	"log"
	"net/url"
	"os"
	"time"

	"admission-core/dispatch"
	"admission-core/dispatch/domain"
	"admission-core/dispatch/infra"
)

// Exemplo: embutindo o UrlDispatcher direto no seu processo, sem um
// gateway proxy em frente.
func main() {
	target := "https://httpbin.org/get"
	if v := os.Getenv("TARGET_URL"); v != "" {
		target = v
	}

	d := dispatch.New(
		dispatch.WithLogger(infra.DefaultLogRegistry()),
		dispatch.WithStats(infra.NewMemoryStatsStore()),
		dispatch.WithMaxConnectionsPerEndpoint(4),
		dispatch.WithMaxLongRunningPerEndpoint(2),
	)
	defer d.Dispose()

	u, err := url.Parse(target)
	if err != nil {
		log.Fatalf("invalid TARGET_URL: %v", err)
	}

	runSynchronous(d, u)
	runShortAsync(d, u)
}

// runSynchronous blocks until the request completes, gathering the body
// into memory, exactly like the teacher's example-server demonstrates a
// middleware wired directly into request handling.
func runSynchronous(d *dispatch.UrlDispatcher, u *url.URL) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, resp, err := d.DispatchSynchronous(ctx, &domain.Request{URL: u, Method: "GET"})
	if err != nil {
		log.Printf("synchronous dispatch failed: %v", err)
		return
	}
	log.Printf("synchronous: status=%d bytes=%d", resp.StatusCode, len(data))
}

// runShortAsync issues an async Short request and waits on the delegate's
// terminal callback via a channel, the pattern any real caller (e.g. a
// proxy handler) would use instead of blocking the dispatching goroutine.
func runShortAsync(d *dispatch.UrlDispatcher, u *url.URL) {
	done := make(chan struct{})
	del := &logDelegate{name: "short-async", done: done}

	op, err := d.DispatchShort(&domain.Request{URL: u, Method: "GET", Timeout: 10 * time.Second}, del)
	if err != nil {
		log.Printf("short dispatch failed: %v", err)
		return
	}
	_ = op
	<-done
}

type logDelegate struct {
	name string
	done chan struct{}
}

func (d *logDelegate) DidReceiveResponse(op *domain.Operation, resp *domain.Response) {
	log.Printf("%s: response status=%d", d.name, resp.StatusCode)
}

func (d *logDelegate) DidReceiveData(op *domain.Operation, chunk []byte) {
	log.Printf("%s: data chunk=%dB", d.name, len(chunk))
}

func (d *logDelegate) DidFinish(op *domain.Operation) {
	log.Printf("%s: finished", d.name)
	close(d.done)
}

func (d *logDelegate) DidFail(op *domain.Operation, err error) {
	log.Printf("%s: failed: %v", d.name, err)
	close(d.done)
}
