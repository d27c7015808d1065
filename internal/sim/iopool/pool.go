// Package iopool runs blocking work (storage reads) off the tick goroutine
// and lets the tick poll for results without waiting.
package iopool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is reported by tasks spawned after Close.
var ErrClosed = errors.New("iopool: closed")

type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed   atomic.Bool
	inFlight atomic.Int64
}

// New returns a pool running at most workers units at once. workers <= 0
// means one.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// InFlight is the number of spawned units that have not finished.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Close cancels the pool context and waits for every spawned unit.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Task is a handle to one spawned unit.
type Task[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Spawn starts fn in the background and returns immediately. fn receives the
// pool context, which is cancelled by Close. A panic in fn is recovered and
// reported through Err.
func Spawn[T any](p *Pool, fn func(ctx context.Context) T) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}
	if p.closed.Load() {
		t.err = ErrClosed
		close(t.done)
		return t
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Add(-1)
		defer close(t.done)
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			// Closing: run anyway so the caller still gets a result built
			// against a cancelled context.
			t.run(p.ctx, fn)
			return
		}
		defer p.sem.Release(1)
		t.run(p.ctx, fn)
	}()
	return t
}

func (t *Task[T]) run(ctx context.Context, fn func(ctx context.Context) T) {
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("iopool: task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	t.val = fn(ctx)
}

// Poll returns the result if the unit has finished. It never blocks.
func (t *Task[T]) Poll() (T, bool) {
	select {
	case <-t.done:
		return t.val, true
	default:
		var zero T
		return zero, false
	}
}

// Err is non-nil when the unit panicked or was spawned on a closed pool.
// Only meaningful once Poll reports ready.
func (t *Task[T]) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Done is closed when the unit finishes.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Wait blocks until the unit finishes or ctx ends.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
