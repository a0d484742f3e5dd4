// Package timerqueue implements the reactor's single-timerfd deadline
// queue: one kernel timerfd shared by every scheduled callback on an
// EventLoop, always armed for the earliest pending deadline.
package timerqueue

import (
	"sync/atomic"
	"time"
)

var sequenceGenerator int64

func nextSequence() int64 {
	return atomic.AddInt64(&sequenceGenerator, 1)
}

// Callback is invoked when a Timer fires.
type Callback func()

// Timer is a single scheduled callback, optionally repeating.
type Timer struct {
	callback Callback
	expires  time.Time
	interval time.Duration // 0 means one-shot.
	seq      int64
}

func newTimer(cb Callback, when time.Time, interval time.Duration) *Timer {
	return &Timer{
		callback: cb,
		expires:  when,
		interval: interval,
		seq:      nextSequence(),
	}
}

// Expiration returns the timer's current deadline.
func (t *Timer) Expiration() time.Time { return t.expires }

// Repeats reports whether the timer reschedules itself after firing.
func (t *Timer) Repeats() bool { return t.interval > 0 }

// restart advances a repeating timer's deadline forward from now.
func (t *Timer) restart(now time.Time) {
	if t.Repeats() {
		t.expires = now.Add(t.interval)
	} else {
		t.expires = time.Time{}
	}
}

// ID is an opaque handle returned by TimerQueue.NewTimer, used only to
// cancel (CancelInLoop) the timer it names. The zero ID cancels nothing.
type ID struct {
	timer *Timer
	seq   int64
}
