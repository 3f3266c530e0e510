// Package worker runs deferred operations on a bounded pool of goroutines.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	cerrors "github.com/cachedb/cachedb/internal/errors"
)

var errPoolClosed = cerrors.NewStorageError(cerrors.CodeClosed, "worker pool is closed", nil)

// Pool bounds the number of operations running at once.
type Pool struct {
	sem     *semaphore.Weighted
	workers int
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool running at most workers operations concurrently.
func NewPool(workers int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
		logger:  logger.With().Str("component", "worker").Logger(),
	}
}

// Workers returns the concurrency limit.
func (p *Pool) Workers() int { return p.workers }

// Future is the pending result of a submitted operation.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the operation finishes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) complete(value T, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// Submit schedules fn on the pool. The operation waits for a free slot
// under ctx; if ctx ends first the future fails with ctx's error. After
// Close every submission fails with STORAGE/CLOSED.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	var zero T

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		f.complete(zero, errPoolClosed)
		return f
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.complete(zero, err)
			return
		}
		defer p.sem.Release(1)

		value, err := run(ctx, fn)
		if err != nil {
			p.logger.Debug().Err(err).Msg("async operation failed")
		}
		f.complete(value, err)
	}()
	return f
}

func run[T any](ctx context.Context, fn func(context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cerrors.NewInternalError("async operation panicked", fmt.Errorf("%v", r))
		}
	}()
	return fn(ctx)
}

// Close rejects new work and waits for submitted operations to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}
