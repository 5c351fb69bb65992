package combined

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func members(n int) []*deviceMember {
	out := make([]*deviceMember, n)
	for i := range out {
		out[i] = &deviceMember{index: i}
	}
	return out
}

func TestNearestSetOrdersByDistance(t *testing.T) {
	s := newNearestSet()
	m := members(3)

	prev, next, ok := s.put(m[0], 4.0)
	require.True(t, ok)
	assert.Nil(t, prev)
	assert.Same(t, m[0], next)

	_, next, _ = s.put(m[1], 1.5)
	assert.Same(t, m[1], next, "closer member MUST become nearest")

	prev, next, _ = s.put(m[2], 9.0)
	assert.Same(t, m[1], prev)
	assert.Same(t, m[1], next, "farther member MUST NOT change the nearest")

	_, next, _ = s.put(m[1], 12.0)
	assert.Same(t, m[0], next, "a member moving away MUST be re-ranked")
	assert.Len(t, s.entries, 3)
}

func TestNearestSetTiesBySlot(t *testing.T) {
	s := newNearestSet()
	m := members(2)

	s.put(m[1], 2.0)
	_, next, _ := s.put(m[0], 2.0)
	assert.Same(t, m[0], next, "equal distance MUST prefer the lower slot")
}

func TestNearestSetZeroUnranks(t *testing.T) {
	s := newNearestSet()
	m := members(2)
	s.put(m[0], 1.0)
	s.put(m[1], 3.0)

	prev, next, ok := s.put(m[0], 0)
	require.True(t, ok)
	assert.Same(t, m[0], prev)
	assert.Same(t, m[1], next)

	prev, next = s.remove(m[1])
	assert.Same(t, m[1], prev)
	assert.Nil(t, next)
	assert.Nil(t, s.nearest())
}

func TestNearestSetDropsWhenBusy(t *testing.T) {
	s := newNearestSet()
	m := members(1)

	s.sem <- struct{}{}
	start := time.Now()
	_, _, ok := s.put(m[0], 1.0)
	assert.False(t, ok, "reading MUST be dropped while the set is held")
	assert.GreaterOrEqual(t, time.Since(start), nearestLockTimeout)
	assert.Nil(t, s.nearest())

	s.unlock()
	_, next, ok := s.put(m[0], 1.0)
	assert.True(t, ok)
	assert.Same(t, m[0], next)
}
