// Package workpool runs blocking pipeline steps on a bounded set of workers.
package workpool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

// Observer is told about every finished task.
type Observer func(stage string, took time.Duration, err error)

// Pool bounds how many steps run at once across all requests.
type Pool struct {
	sem      *semaphore.Weighted
	size     int
	wg       sync.WaitGroup
	observer Observer
}

// Option configures a Pool.
type Option func(*Pool)

// WithObserver registers a callback for task durations and outcomes.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		p.observer = o
	}
}

// New creates a pool with size workers. A non-positive size uses NumCPU.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Wait blocks until every started task has finished, including tasks whose
// callers stopped waiting.
func (p *Pool) Wait() {
	p.wg.Wait()
}

type result[T any] struct {
	val T
	err error
}

// Run executes fn on a worker and waits for it.
//
// If ctx ends while waiting for a slot, fn never runs. If ctx ends while fn
// runs, Run returns ctx.Err() at once; fn keeps its slot until it returns and
// its result is dropped. A panic in fn is returned as a synthesis error for stage.
func Run[T any](ctx context.Context, p *Pool, stage string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	done := make(chan result[T], 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)

		start := time.Now()
		var r result[T]
		defer func() {
			if rec := recover(); rec != nil {
				r = result[T]{err: portrait.NewSynthesisError(stage, fmt.Errorf("panic: %v\n%s", rec, debug.Stack()))}
			}
			if p.observer != nil {
				p.observer(stage, time.Since(start), r.err)
			}
			done <- r
		}()
		r.val, r.err = fn(ctx)
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
