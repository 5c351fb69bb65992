package completion

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future is the result of a deferred computation. It completes exactly once.
type Future[V any] struct {
	done      chan struct{}
	once      sync.Once
	value     V
	err       error
	cancelled atomic.Bool
}

func newFuture[V any]() *Future[V] {
	return &Future[V]{done: make(chan struct{})}
}

// complete settles the future; later calls are ignored and report false.
func (f *Future[V]) complete(value V, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the future completes, fails or is cancelled.
func (f *Future[V]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has settled.
func (f *Future[V]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx is done. Giving up on ctx does not
// cancel the future.
func (f *Future[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Cancel settles the future with context.Canceled. The pending computation is
// dropped before its next evaluation. Returns false if the future already settled.
func (f *Future[V]) Cancel() bool {
	var zero V
	if f.complete(zero, context.Canceled) {
		f.cancelled.Store(true)
		return true
	}
	return false
}

func (f *Future[V]) IsCancelled() bool {
	return f.cancelled.Load()
}
