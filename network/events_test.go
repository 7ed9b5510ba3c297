package network

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueFireOrder(t *testing.T) {
	eq := NewEventQueue()

	var order []int
	eq.Schedule(30*time.Millisecond, func(time.Time) bool {
		order = append(order, 2)
		return true
	})
	eq.Schedule(10*time.Millisecond, func(time.Time) bool {
		order = append(order, 1)
		return true
	})

	eq.RunDue(time.Now().Add(100 * time.Millisecond))
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 0, eq.Len(), "one-shot events removed")
}

func TestEventQueueRearmDriftFree(t *testing.T) {
	eq := NewEventQueue()

	var fires atomic.Int32
	eq.Schedule(10*time.Millisecond, func(time.Time) bool {
		fires.Add(1)
		return false
	})

	// A single sweep far in the future fires the event repeatedly because
	// each re-arm adds the period to the PREVIOUS scheduled time.
	eq.RunDue(time.Now().Add(55 * time.Millisecond))
	assert.GreaterOrEqual(t, fires.Load(), int32(5))
	assert.Equal(t, 1, eq.Len(), "recurring event stays armed")
}

func TestEventQueueNotDueYet(t *testing.T) {
	eq := NewEventQueue()

	fired := false
	eq.Schedule(time.Hour, func(time.Time) bool {
		fired = true
		return true
	})

	eq.RunDue(time.Now())
	assert.False(t, fired)

	next, ok := eq.NextFire()
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))
}

func TestEventQueueCancel(t *testing.T) {
	eq := NewEventQueue()

	id := eq.Schedule(time.Hour, func(time.Time) bool { return true })
	assert.True(t, eq.Cancel(id))
	assert.False(t, eq.Cancel(id))
	assert.Equal(t, 0, eq.Len())
}
