package combined

import (
	"cmp"
	"slices"
	"sync/atomic"
	"time"
)

// nearestLockTimeout bounds how long an RSSI reading waits for the nearest set.
// Readings that cannot get in are dropped; the next one will do.
const nearestLockTimeout = 50 * time.Millisecond

type ranked struct {
	member   *deviceMember
	distance float64
}

// nearestSet orders delegates by ascending estimated distance. The nearest member can
// be read without locking.
type nearestSet struct {
	sem     chan struct{}
	entries []ranked
	current atomic.Pointer[deviceMember]
}

func newNearestSet() *nearestSet {
	return &nearestSet{sem: make(chan struct{}, 1)}
}

func (s *nearestSet) lock(timeout time.Duration) bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (s *nearestSet) unlock() {
	<-s.sem
}

// put records the distance of m; 0 (unknown) takes it out of the ranking. It returns
// the nearest member before and after the change, ok=false when the set could not be
// locked in time and the reading was dropped.
func (s *nearestSet) put(m *deviceMember, distance float64) (prev, next *deviceMember, ok bool) {
	if !s.lock(nearestLockTimeout) {
		return nil, nil, false
	}
	defer s.unlock()

	s.delete(m)
	if distance > 0 {
		r := ranked{member: m, distance: distance}
		i, _ := slices.BinarySearchFunc(s.entries, r, compareRanked)
		s.entries = slices.Insert(s.entries, i, r)
	}
	prev, next = s.publish()
	return prev, next, true
}

// remove drops m, waiting as long as needed.
func (s *nearestSet) remove(m *deviceMember) (prev, next *deviceMember) {
	s.sem <- struct{}{}
	defer s.unlock()
	s.delete(m)
	return s.publish()
}

func (s *nearestSet) nearest() *deviceMember {
	return s.current.Load()
}

func (s *nearestSet) delete(m *deviceMember) {
	s.entries = slices.DeleteFunc(s.entries, func(r ranked) bool { return r.member == m })
}

func (s *nearestSet) publish() (prev, next *deviceMember) {
	if len(s.entries) > 0 {
		next = s.entries[0].member
	}
	return s.current.Swap(next), next
}

// compareRanked orders by distance, then by slot so equal distances are stable.
func compareRanked(a, b ranked) int {
	if c := cmp.Compare(a.distance, b.distance); c != 0 {
		return c
	}
	return cmp.Compare(a.member.index, b.member.index)
}
