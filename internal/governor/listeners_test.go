package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// sliceListener is a value listener type that cannot be compared.
type sliceListener struct {
	NopGovernorListener
	seen []bool
}

func TestListenersAddAndRemove(t *testing.T) {
	var l Listeners[GovernorListener]
	a, b := &recorder{}, &recorder{}

	assert.True(t, l.Add(a))
	assert.False(t, l.Add(a), "second Add of the same listener MUST report false")
	assert.True(t, l.Add(b))
	assert.Equal(t, 2, l.Len())

	assert.True(t, l.Remove(a))
	assert.False(t, l.Remove(a))
	assert.Equal(t, []GovernorListener{b}, l.Snapshot())
}

func TestListenersRejectNonComparable(t *testing.T) {
	// GOAL: a listener that can never be found again is refused at registration,
	//       not on a later Add or Remove
	//
	// TEST SCENARIO: empty list → Add(struct value with a slice field) → clear panic,
	//                list stays empty and keeps working with pointers

	var l Listeners[GovernorListener]
	assert.PanicsWithValue(t,
		"governor: listener of type governor.sliceListener is not comparable, register a pointer",
		func() { l.Add(sliceListener{}) })
	assert.Equal(t, 0, l.Len())

	assert.True(t, l.Add(&sliceListener{}), "a pointer to the same type MUST be accepted")
}
