package governor

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Listeners is a copy-on-write listener list. Fan-out iterates a snapshot and never
// blocks registration. The zero value is ready to use.
type Listeners[T comparable] struct {
	mu   sync.Mutex
	list atomic.Pointer[[]T]
}

// Add registers x; it reports false when x was already registered.
// It panics when the dynamic type of x cannot be compared, since such a listener
// could never be found again by Add or Remove.
func (l *Listeners[T]) Add(x T) bool {
	mustCompare(x)
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.Snapshot()
	if slices.Contains(cur, x) {
		return false
	}
	next := append(slices.Clone(cur), x)
	l.list.Store(&next)
	return true
}

func (l *Listeners[T]) Remove(x T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.Snapshot()
	i := slices.Index(cur, x)
	if i < 0 {
		return false
	}
	next := slices.Delete(slices.Clone(cur), i, i+1)
	l.list.Store(&next)
	return true
}

func (l *Listeners[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list.Store(nil)
}

// Snapshot returns the current list. Callers must not modify it.
func (l *Listeners[T]) Snapshot() []T {
	if p := l.list.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *Listeners[T]) Len() int {
	return len(l.Snapshot())
}

// Each calls fn for every listener. A panicking listener is logged and skipped.
func (l *Listeners[T]) Each(logger *logrus.Entry, event string, fn func(T)) {
	for _, x := range l.Snapshot() {
		notifyOne(logger, event, x, fn)
	}
}

func mustCompare[T comparable](x T) {
	if t := reflect.TypeOf(x); t != nil && !t.Comparable() {
		panic(fmt.Sprintf("governor: listener of type %s is not comparable, register a pointer", t))
	}
}

func notifyOne[T any](logger *logrus.Entry, event string, x T, fn func(T)) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"event":    event,
				"listener": fmt.Sprintf("%T", x),
				"panic":    r,
			}).Error("Listener failed")
		}
	}()
	fn(x)
}
