package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("handler pool is shut down")

// PoolMetrics is a snapshot of the pool counters.
type PoolMetrics struct {
	Active    int64
	Completed int64
	Failed    int64
	Panics    int64
}

// HandlerPool bounds how many handler invocations run at once. Submit
// blocks when the pool is full, which is the backpressure against a
// bursty bus.
type HandlerPool struct {
	slots chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

func NewHandlerPool(size int) *HandlerPool {
	if size <= 0 {
		size = 1
	}
	return &HandlerPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Submit runs fn on a pool goroutine, blocking for a free slot first.
// A panic inside fn is recovered and counted, not propagated.
func (p *HandlerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Shutdown may have won the race for the slot. The wg.Add has to
	// happen under the lock or Shutdown's wg.Wait can miss this unit.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go p.run(ctx, fn)
	return nil
}

func (p *HandlerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func (p *HandlerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until all submitted work completes.
func (p *HandlerPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions and waits for active work to finish.
func (p *HandlerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *HandlerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
