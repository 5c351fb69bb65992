package manager

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/groutine"
)

// schedule is the periodic update plan of one governor.
type schedule struct {
	url  address.URL
	next atomic.Int64
	busy atomic.Bool
}

// scheduler updates every registered governor once per interval on a fixed pool of
// workers. A governor is never queued twice; a saturated pool defers work to the next
// tick instead of blocking.
type scheduler struct {
	m        *Manager
	interval time.Duration
	workers  int

	entries *xsync.MapOf[address.URL, *schedule]
	jobs    chan *schedule
	runs    *xsync.Counter
}

func newScheduler(m *Manager, interval time.Duration, workers int) *scheduler {
	return &scheduler{
		m:        m,
		interval: interval,
		workers:  workers,
		entries:  xsync.NewMapOf[address.URL, *schedule](),
		jobs:     make(chan *schedule, workers),
		runs:     xsync.NewCounter(),
	}
}

// add schedules url, due immediately.
func (s *scheduler) add(url address.URL) {
	s.entries.LoadOrStore(url, &schedule{url: url})
}

func (s *scheduler) remove(url address.URL) {
	s.entries.Delete(url)
}

// tick is how often due schedules are looked for.
func (s *scheduler) tick() time.Duration {
	return min(max(s.interval/4, 10*time.Millisecond), 250*time.Millisecond)
}

func (s *scheduler) start(ctx context.Context) []<-chan struct{} {
	var loops []<-chan struct{}
	for i := 0; i < s.workers; i++ {
		done := make(chan struct{})
		groutine.Go(ctx, fmt.Sprintf("governor-worker-%d", i), func(ctx context.Context) {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-s.jobs:
					s.run(e)
				}
			}
		})
		loops = append(loops, done)
	}
	return append(loops, groutine.Every(ctx, "governor-scheduler", s.tick(), s.dispatch))
}

// dispatch hands due schedules to the workers, parents first.
func (s *scheduler) dispatch(ctx context.Context) {
	now := time.Now().UnixNano()
	var due []*schedule
	s.entries.Range(func(_ address.URL, e *schedule) bool {
		if e.next.Load() <= now && !e.busy.Load() {
			due = append(due, e)
		}
		return true
	})
	slices.SortFunc(due, func(a, b *schedule) int { return address.Compare(a.url, b.url) })

	for _, e := range due {
		if !e.busy.CompareAndSwap(false, true) {
			continue
		}
		select {
		case s.jobs <- e:
		case <-ctx.Done():
			e.busy.Store(false)
			return
		default:
			e.busy.Store(false)
			return
		}
	}
}

func (s *scheduler) run(e *schedule) {
	defer e.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.m.log.WithFields(logrus.Fields{"url": e.url.String(), "panic": r}).Error("Governor update panicked")
		}
	}()
	e.next.Store(time.Now().Add(s.interval).UnixNano())

	g, ok := s.m.governors.Load(e.url)
	if !ok {
		return
	}
	g.Update()
	s.runs.Inc()
}

// drain releases jobs queued when the workers stopped.
func (s *scheduler) drain() {
	for {
		select {
		case e := <-s.jobs:
			e.busy.Store(false)
		default:
			return
		}
	}
}

// Runs returns how many scheduled updates have completed.
func (m *Manager) Runs() int64 {
	return m.sched.runs.Value()
}
