package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsSubmittedWork(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran int64
	if err := pool.Submit(context.Background(), func(context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not run")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("completed = %d, want 1", m.Completed)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	var current, peak int64
	for i := 0; i < 12; i++ {
		err := pool.Submit(context.Background(), func(context.Context) error {
			c := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if c <= p || atomic.CompareAndSwapInt64(&peak, p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	pool.Wait()

	if p := atomic.LoadInt64(&peak); p > size {
		t.Errorf("peak concurrency %d exceeded pool size %d", p, size)
	}
}

func TestWorkerPoolAppliesBackpressure(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	_ = pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	// The pool is full, so the next submit must block until the slot frees.
	unblocked := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), func(context.Context) error { return nil })
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("submit did not block on a full pool")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("submit never unblocked")
	}
	pool.Wait()
}

func TestWorkerPoolSubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	_ = pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, func(context.Context) error { return nil })
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("submit error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit did not return after cancellation")
	}
	close(release)
	pool.Wait()
}

func TestWorkerPoolRecoversFromPanics(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	_ = pool.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	})
	pool.Wait()

	m := pool.Metrics()
	if m.Panics != 1 || m.Failed != 1 {
		t.Errorf("metrics after panic = %+v", m)
	}

	// The slot is released; the pool keeps working.
	var ran int64
	_ = pool.Submit(context.Background(), func(context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	pool.Wait()
	if atomic.LoadInt64(&ran) != 1 {
		t.Error("pool dead after panic")
	}
}

func TestWorkerPoolShutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	var completed int64
	for i := 0; i < 5; i++ {
		_ = pool.Submit(context.Background(), func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}
	pool.Shutdown()
	pool.Shutdown() // idempotent

	if atomic.LoadInt64(&completed) != 5 {
		t.Errorf("completed = %d, want 5 (shutdown must drain in-flight work)", completed)
	}
	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); err != ErrPoolShutdown {
		t.Errorf("submit after shutdown = %v, want ErrPoolShutdown", err)
	}
}

func TestWorkerPoolCountsFailures(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = pool.Submit(context.Background(), func(context.Context) error { return nil })
	}
	for i := 0; i < 2; i++ {
		_ = pool.Submit(context.Background(), func(context.Context) error { return boom })
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Completed != 3 || m.Failed != 2 || m.Active != 0 {
		t.Errorf("metrics = %+v", m)
	}
}
