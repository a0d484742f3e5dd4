package timerqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertOrdersByDeadline(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Close()

	var fired []int
	now := time.Now()
	mk := func(tag int, at time.Time) *Timer {
		tm, _ := q.NewTimer(func() { fired = append(fired, tag) }, at, 0)
		return tm
	}

	q.InsertInLoop(mk(3, now.Add(30*time.Millisecond)))
	q.InsertInLoop(mk(1, now.Add(10*time.Millisecond)))
	q.InsertInLoop(mk(2, now.Add(20*time.Millisecond)))

	require.Equal(t, 3, q.Len())
	q.HandleExpired(now.Add(time.Hour))
	assert.Equal(t, []int{1, 2, 3}, fired)
	assert.Equal(t, 0, q.Len())
}

func TestCancelBeforeFireIsIdempotent(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Close()

	called := false
	tm, id := q.NewTimer(func() { called = true }, time.Now().Add(time.Hour), 0)
	q.InsertInLoop(tm)
	require.Equal(t, 1, q.Len())

	q.CancelInLoop(id)
	assert.Equal(t, 0, q.Len())
	q.CancelInLoop(id) // no-op, must not panic

	q.HandleExpired(time.Now().Add(2 * time.Hour))
	assert.False(t, called)
}

func TestRepeatingTimerCancelDuringOwnCallback(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Close()

	fires := 0
	var self ID
	tm, id := q.NewTimer(nil, time.Now(), 5*time.Millisecond)
	tm.callback = func() {
		fires++
		q.CancelInLoop(self)
	}
	self = id
	q.InsertInLoop(tm)

	q.HandleExpired(time.Now().Add(time.Hour))
	assert.Equal(t, 1, fires)
	assert.Equal(t, 0, q.Len(), "canceling a repeat timer from inside its own callback must stop it from being rescheduled")
}

func TestZeroIDCancelIsNoop(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Close()
	q.CancelInLoop(ID{})
}
