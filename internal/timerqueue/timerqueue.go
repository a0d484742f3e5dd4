package timerqueue

import (
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/reactorcore/netpump/metrics"
)

// minTimerfdInterval is the floor resetFD clamps an expiration-from-now
// duration to, so a deadline that is already past (or due within a few
// CPU cycles) still arms the timerfd instead of passing it a zero or
// negative duration.
const minTimerfdInterval = 100 * time.Microsecond

// TimerQueue multiplexes every scheduled callback on one EventLoop through
// a single kernel timerfd, always armed for the earliest pending
// deadline. It is not safe for concurrent use: InsertInLoop, CancelInLoop
// and HandleExpired must all run on the owning EventLoop's goroutine, the
// same invariant the original reactor enforces with assertInLoopThread.
type TimerQueue struct {
	fd int

	timers []*Timer // sorted ascending by (expires, seq).
	active map[int64]*Timer

	callingExpired bool
	canceling      map[int64]struct{}
}

// New creates a TimerQueue backed by a CLOCK_MONOTONIC timerfd.
func New() (*TimerQueue, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &TimerQueue{
		fd:        fd,
		active:    make(map[int64]*Timer),
		canceling: make(map[int64]struct{}),
	}, nil
}

// FD returns the timerfd so its owner can register a read-readiness
// Channel for it.
func (q *TimerQueue) FD() int { return q.fd }

// Close releases the timerfd. The caller must already have removed any
// Channel registered against it.
func (q *TimerQueue) Close() error {
	return unix.Close(q.fd)
}

// Len reports how many timers are currently pending.
func (q *TimerQueue) Len() int { return len(q.timers) }

// NewTimer constructs a Timer and its cancellation handle without
// scheduling it. Constructing the Timer is safe from any goroutine; only
// InsertInLoop requires the loop thread, mirroring the original
// TimerQueue::addTimer, which builds the Timer object before bouncing into
// the IO thread to insert it.
func (q *TimerQueue) NewTimer(cb Callback, when time.Time, interval time.Duration) (*Timer, ID) {
	t := newTimer(cb, when, interval)
	return t, ID{timer: t, seq: t.seq}
}

// InsertInLoop adds t to the queue and, if it became the earliest pending
// deadline, rearms the timerfd.
func (q *TimerQueue) InsertInLoop(t *Timer) {
	if q.insert(t) {
		q.resetFD(t.expires)
	}
}

func (q *TimerQueue) insert(t *Timer) (earliestChanged bool) {
	earliestChanged = len(q.timers) == 0 || t.expires.Before(q.timers[0].expires)
	idx := sort.Search(len(q.timers), func(i int) bool { return less(t, q.timers[i]) })
	q.timers = append(q.timers, nil)
	copy(q.timers[idx+1:], q.timers[idx:])
	q.timers[idx] = t
	q.active[t.seq] = t
	metrics.ActiveTimers.Inc()
	return earliestChanged
}

func less(a, b *Timer) bool {
	if !a.expires.Equal(b.expires) {
		return a.expires.Before(b.expires)
	}
	return a.seq < b.seq
}

// CancelInLoop cancels the timer named by id. Canceling an already-fired
// one-shot timer, an unknown id, or the zero ID is a harmless no-op. If id
// names a repeating timer whose callback is currently running (detected
// via callingExpired), the cancellation is recorded in canceling so reset
// does not reschedule it once the callback returns — the same race
// HandleExpired's reset step has to guard against in the original
// TimerQueue.
func (q *TimerQueue) CancelInLoop(id ID) {
	if id.timer == nil {
		return
	}
	if t, ok := q.active[id.seq]; ok && t == id.timer {
		q.removeFromTimers(t)
		delete(q.active, id.seq)
		metrics.ActiveTimers.Dec()
		return
	}
	if q.callingExpired {
		q.canceling[id.seq] = struct{}{}
	}
}

func (q *TimerQueue) removeFromTimers(t *Timer) {
	idx := sort.Search(len(q.timers), func(i int) bool { return !less(q.timers[i], t) })
	for idx < len(q.timers) && q.timers[idx] != t {
		idx++
	}
	if idx == len(q.timers) {
		return
	}
	q.timers = append(q.timers[:idx], q.timers[idx+1:]...)
}

// HandleExpired is the timerfd's read callback: it drains the timerfd,
// runs every timer whose deadline has passed, and reschedules repeating
// ones that were not canceled mid-run.
func (q *TimerQueue) HandleExpired(now time.Time) {
	q.readFD()

	expired := q.getExpired(now)

	q.callingExpired = true
	for _, t := range expired {
		t.callback()
	}
	q.callingExpired = false

	q.reset(expired, now)
}

func (q *TimerQueue) getExpired(now time.Time) []*Timer {
	idx := sort.Search(len(q.timers), func(i int) bool { return q.timers[i].expires.After(now) })
	expired := q.timers[:idx]
	q.timers = q.timers[idx:]
	for _, t := range expired {
		delete(q.active, t.seq)
		metrics.ActiveTimers.Dec()
	}
	return expired
}

func (q *TimerQueue) reset(expired []*Timer, now time.Time) {
	for _, t := range expired {
		_, canceling := q.canceling[t.seq]
		if t.Repeats() && !canceling {
			t.restart(now)
			q.insert(t)
		}
	}
	q.canceling = make(map[int64]struct{})

	if len(q.timers) > 0 {
		q.resetFD(q.timers[0].expires)
	}
}

func (q *TimerQueue) readFD() {
	var buf [8]byte
	unix.Read(q.fd, buf[:])
}

func (q *TimerQueue) resetFD(expiration time.Time) {
	d := time.Until(expiration)
	if d < minTimerfdInterval {
		d = minTimerfdInterval
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	unix.TimerfdSettime(q.fd, 0, &spec, nil)
}
