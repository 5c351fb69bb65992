// Package completion lets callers await a future governor condition ("connected",
// "services resolved", ...) without polling.
//
// A computation is submitted together with a predicate over the governor. If the
// predicate already holds, the computation runs immediately; otherwise (or if the
// immediate attempt fails with a retryable error) it is queued. The governor calls
// Complete after every observable state transition; queued entries whose predicate now
// holds are applied in submission order.
package completion

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blegov/internal/transport"
)

type entry[G any] interface {
	test(g G) bool
	// apply runs the computation and settles the future on success. On failure the
	// future is left untouched and the error returned.
	apply(g G) error
	fail(err error)
	cancel()
	settled() bool
}

type task[G, V any] struct {
	predicate func(G) bool
	fn        func(G) (V, error)
	future    *Future[V]
}

func (t *task[G, V]) test(g G) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return t.predicate(g)
}

func (t *task[G, V]) apply(g G) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deferred computation panicked: %v", r)
		}
	}()
	v, err := t.fn(g)
	if err != nil {
		return err
	}
	t.future.complete(v, nil)
	return nil
}

func (t *task[G, V]) fail(err error) {
	var zero V
	t.future.complete(zero, err)
}

func (t *task[G, V]) cancel() {
	t.future.Cancel()
}

func (t *task[G, V]) settled() bool {
	return t.future.IsDone()
}

// Service holds the deferred computations of one governor. Safe for concurrent use.
type Service[G any] struct {
	mu    sync.Mutex
	queue *orderedmap.OrderedMap[uint64, entry[G]]
	seq   uint64

	running atomic.Bool
	pending atomic.Bool

	logger *logrus.Entry
}

// NewService creates an empty service.
func NewService[G any](logger *logrus.Logger, name string) *Service[G] {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service[G]{
		queue:  orderedmap.New[uint64, entry[G]](),
		logger: logger.WithField("completion", name),
	}
}

// Submit registers fn to run once predicate holds for g.
//
// When predicate already holds fn runs synchronously. If that attempt fails with a
// not-ready, interaction or authentication error the computation is queued instead;
// any other error fails the returned future right away.
func Submit[G, V any](s *Service[G], g G, predicate func(G) bool, fn func(G) (V, error)) *Future[V] {
	t := &task[G, V]{predicate: predicate, fn: fn, future: newFuture[V]()}

	held := t.test(g)
	if held {
		err := t.apply(g)
		if err == nil {
			return t.future
		}
		if !transport.IsRetryable(err) {
			t.fail(err)
			return t.future
		}
		s.logger.WithField("error", err).Debug("Immediate completion failed, deferring")
	}

	s.push(t)

	// a transition completed between the test and the push saw an empty queue
	if !held && t.test(g) {
		if err := s.Complete(g); err != nil {
			s.logger.WithField("error", err).Debug("Completion after submit failed")
		}
	}
	return t.future
}

// Complete evaluates queued entries against g in submission order. Cancelled entries are
// dropped; entries whose predicate holds are removed and applied.
//
// If applying an entry fails with a not-ready or interaction error, the entry goes to
// the back of the queue, the pass stops and the error is returned. Other errors fail
// the entry's future.
//
// Re-entrant and concurrent calls never run a second pass in parallel: they mark the
// service dirty and the running pass performs one more evaluation afterwards.
func (s *Service[G]) Complete(g G) error {
	s.pending.Store(true)
	for {
		if !s.running.CompareAndSwap(false, true) {
			return nil
		}
		var err error
		for err == nil && s.pending.Swap(false) {
			err = s.pass(g)
		}
		s.running.Store(false)
		if err != nil {
			return err
		}
		if !s.pending.Load() {
			return nil
		}
	}
}

// CompleteSilently is Complete with the error logged instead of returned.
func (s *Service[G]) CompleteSilently(g G) {
	if err := s.Complete(g); err != nil {
		s.logger.WithField("error", err).Warn("Deferred completion failed, will retry on next state change")
	}
}

// Clear cancels every outstanding entry.
func (s *Service[G]) Clear() {
	s.mu.Lock()
	entries := make([]entry[G], 0, s.queue.Len())
	for p := s.queue.Oldest(); p != nil; p = p.Next() {
		entries = append(entries, p.Value)
	}
	s.queue = orderedmap.New[uint64, entry[G]]()
	s.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	if len(entries) > 0 {
		s.logger.WithField("cancelled", len(entries)).Debug("Cleared deferred completions")
	}
}

// Len returns the number of queued entries, cancelled ones included until the next pass.
func (s *Service[G]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Service[G]) push(e entry[G]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.queue.Set(s.seq, e)
}

// claim removes id from the queue; only the caller that removed it may apply the entry.
func (s *Service[G]) claim(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queue.Delete(id)
	return ok
}

type queued[G any] struct {
	id uint64
	e  entry[G]
}

func (s *Service[G]) snapshot() []queued[G] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queued[G], 0, s.queue.Len())
	for p := s.queue.Oldest(); p != nil; p = p.Next() {
		out = append(out, queued[G]{id: p.Key, e: p.Value})
	}
	return out
}

func (s *Service[G]) pass(g G) error {
	for _, q := range s.snapshot() {
		if q.e.settled() {
			s.claim(q.id)
			continue
		}
		if !q.e.test(g) {
			continue
		}
		if !s.claim(q.id) {
			continue
		}
		err := q.e.apply(g)
		switch {
		case err == nil:
		case transport.IsRecoverable(err):
			s.push(q.e)
			return err
		default:
			q.e.fail(err)
		}
	}
	return nil
}
