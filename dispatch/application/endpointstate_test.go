package application

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"admission-core/dispatch/domain"
)

type fakeWorker struct {
	id       int
	activity atomic.Int64
	stopped  atomic.Bool
}

func newFakeWorker(id int) *fakeWorker {
	w := &fakeWorker{id: id}
	w.activity.Store(time.Now().UnixNano())
	return w
}

func (w *fakeWorker) Post(fn func()) { fn() }
func (w *fakeWorker) LastActivity() time.Time { return time.Unix(0, w.activity.Load()) }
func (w *fakeWorker) Stop() { w.stopped.Store(true) }
func (w *fakeWorker) setActivity(t time.Time) { w.activity.Store(t.UnixNano()) }

type recordingDelegate struct{}

func (recordingDelegate) DidReceiveResponse(*domain.Operation, *domain.Response) {}
func (recordingDelegate) DidReceiveData(*domain.Operation, []byte) {}
func (recordingDelegate) DidFinish(*domain.Operation) {}
func (recordingDelegate) DidFail(*domain.Operation, error) {}

func newTestOperation(class domain.RequestClass) *domain.Operation {
	key := domain.EndpointKey{Scheme: "https", Host: "example.test", Port: "443"}
	return domain.NewOperation(key, class, &domain.Request{}, recordingDelegate{}, false)
}

func newTestEndpointState(maxConn, maxLong int) (*EndpointState, *int32) {
	var nextID int32
	limits := &Limits{}
	limits.MaxConnections.Store(int32(maxConn))
	limits.MaxLongRunning.Store(int32(maxLong))
	factory := func() domain.WorkerThread {
		id := atomic.AddInt32(&nextID, 1)
		return newFakeWorker(int(id))
	}
	es := NewEndpointState(domain.EndpointKey{Scheme: "https", Host: "example.test", Port: "443"}, limits, factory, nil)
	return es, &nextID
}

func TestEndpointState_HardCapEnforcement(t *testing.T) {
	es, _ := newTestEndpointState(4, 2)

	var runningNow atomic.Int32
	var maxObserved atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op := newTestOperation(domain.Short)
			w, err := es.Acquire(context.Background(), op)
			if err != nil {
				t.Errorf("unexpected Acquire error: %v", err)
				return
			}
			n := runningNow.Add(1)
			for {
				cur := maxObserved.Load()
				if n <= cur || maxObserved.CompareAndSwap(cur, n) {
					break
				}
			}
			<-release
			runningNow.Add(-1)
			es.Release(domain.Short, w)
		}()
	}

	// Let every goroutine reach admission or the wait queue.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := maxObserved.Load(); got > 4 {
		t.Fatalf("observed %d concurrently running, want <= 4", got)
	}
}

func TestEndpointState_LongQuotaEnforcement(t *testing.T) {
	es, _ := newTestEndpointState(4, 2)

	op1 := newTestOperation(domain.Long)
	w1, err := es.TryAcquireLong(op1)
	if err != nil {
		t.Fatalf("first long acquire: %v", err)
	}
	op2 := newTestOperation(domain.Long)
	w2, err := es.TryAcquireLong(op2)
	if err != nil {
		t.Fatalf("second long acquire: %v", err)
	}

	op3 := newTestOperation(domain.Long)
	if _, err := es.TryAcquireLong(op3); err == nil {
		t.Fatal("expected third long acquire to fail with ResourceExhausted")
	}
	if es.IsLongAllowed() {
		t.Fatal("expected IsLongAllowed to be false at the long quota")
	}

	// Slots 3 and 4 remain free for Short.
	op4 := newTestOperation(domain.Short)
	if _, err := es.Acquire(context.Background(), op4); err != nil {
		t.Fatalf("expected short acquire to succeed using a non-long slot: %v", err)
	}

	es.Release(domain.Long, w1)
	es.Release(domain.Long, w2)
}

func TestEndpointState_FIFOWithinClass(t *testing.T) {
	es, _ := newTestEndpointState(1, 1)

	op1 := newTestOperation(domain.Short)
	w1, err := es.Acquire(context.Background(), op1)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	type admitted struct {
		order  int
		worker domain.WorkerThread
	}
	results := make(chan admitted, 3)
	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			op := newTestOperation(domain.Short)
			w, err := es.Acquire(context.Background(), op)
			if err != nil {
				t.Errorf("queued acquire %d: %v", i, err)
				return
			}
			results <- admitted{order: i, worker: w}
		}()
		time.Sleep(10 * time.Millisecond) // preserve submission order into the wait queue
	}

	es.Release(domain.Short, w1)

	var got []int
	for len(got) < 3 {
		a := <-results
		got = append(got, a.order)
		es.Release(domain.Short, a.worker)
	}

	for i, want := range []int{1, 2, 3} {
		if got[i] != want {
			t.Fatalf("expected admission order [1 2 3], got %v", got)
		}
	}
}

func TestEndpointState_AbandonWaitOnContextCancel(t *testing.T) {
	es, _ := newTestEndpointState(1, 1)

	op1 := newTestOperation(domain.Short)
	_, err := es.Acquire(context.Background(), op1)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	op2 := newTestOperation(domain.Short)
	done := make(chan error, 1)
	go func() {
		_, err := es.Acquire(ctx, op2)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error from a cancelled wait")
		}
	case <-time.After(time.Second):
		t.Fatal("abandoned wait never returned")
	}
}

func TestEndpointState_Reap(t *testing.T) {
	es, _ := newTestEndpointState(4, 2)

	op := newTestOperation(domain.Short)
	w, err := es.Acquire(context.Background(), op)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	es.Release(domain.Short, w)

	fw := w.(*fakeWorker)
	fw.setActivity(time.Now().Add(-time.Minute))

	es.Reap(10 * time.Millisecond)

	if !fw.stopped.Load() {
		t.Fatal("expected idle worker to be stopped by Reap")
	}
}
