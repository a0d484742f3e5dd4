package netpump

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/reactorcore/netpump/internal/poller"
	"github.com/reactorcore/netpump/internal/timerqueue"
	"github.com/reactorcore/netpump/log"
)

// defaultPollTimeoutMS bounds how long a single Poll call blocks when
// nothing is ready, so a loop that has nothing registered still wakes
// periodically instead of blocking forever. Overridable per loop via
// WithPollTimeoutMS.
const defaultPollTimeoutMS = 10000

// PollerKind selects which readiness back-end an EventLoop multiplexes
// channels with.
type PollerKind int

const (
	// PollerEpoll is the default: edge-capable, scales to large fan-out.
	PollerEpoll PollerKind = iota
	// PollerPoll is the level-triggered back-end, useful when a small,
	// predictable set of fds needs simpler reasoning about repeated
	// readiness.
	PollerPoll
)

// EventLoop is a single-goroutine reactor: exactly one goroutine ever
// calls Poll, dispatches ready channels, and runs pending tasks queued
// from other goroutines. An EventLoop must only be driven by the
// goroutine that calls Loop; every other method either is safe to call
// from any goroutine (RunInLoop, QueueInLoop, the timer facade, Quit) or
// must only be reached from inside a callback dispatched by this same
// loop (UpdateChannel, RemoveChannel — see the package note below on
// thread-affinity).
//
// Unlike the original reactor this is ported from, RunInLoop never takes
// a same-goroutine fast path: Go has no cheap, portable way to ask "is
// the calling goroutine the one running Loop", so every task — whether
// submitted from the loop's own goroutine or another one — is queued and
// picked up by the same doPendingTasks drain. Submitting to your own
// loop from inside a callback is still safe and still runs before the
// next Poll, just not synchronously in-line.
type EventLoop struct {
	kind PollerKind
	poll poller.Poller

	timers *timerqueue.TimerQueue

	wakeupFD      int
	wakeupChannel *Channel
	timerChannel  *Channel

	mu      sync.Mutex
	pending []func()

	looping atomic.Bool
	quit    atomic.Bool

	pollTimeoutMS int

	activeChannels []poller.Channel
}

// NewEventLoop constructs an EventLoop with the given poller back-end but
// does not start it; call Loop (typically in its own goroutine) to run
// it.
func NewEventLoop(kind PollerKind, opts ...EventLoopOption) (*EventLoop, error) {
	o := defaultEventLoopOptions()
	for _, opt := range opts {
		opt.f(&o)
	}

	p, err := newPoller(kind)
	if err != nil {
		return nil, errors.Wrap(err, "netpump: create poller")
	}
	timers, err := timerqueue.New()
	if err != nil {
		p.Close()
		return nil, errors.Wrap(err, "netpump: create timerqueue")
	}
	wakeupFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		p.Close()
		timers.Close()
		return nil, errors.Wrap(err, "netpump: create wakeup eventfd")
	}

	l := &EventLoop{
		kind:          kind,
		poll:          p,
		timers:        timers,
		wakeupFD:      wakeupFD,
		pollTimeoutMS: o.pollTimeoutMS,
	}
	l.wakeupChannel = NewChannel(l, wakeupFD)
	l.wakeupChannel.SetReadCallback(l.handleWakeup)
	l.wakeupChannel.EnableReading()

	l.timerChannel = NewChannel(l, timers.FD())
	l.timerChannel.SetReadCallback(l.handleTimer)
	l.timerChannel.EnableReading()

	return l, nil
}

func newPoller(kind PollerKind) (poller.Poller, error) {
	switch kind {
	case PollerPoll:
		return poller.NewPoll(), nil
	default:
		return poller.NewEpoll()
	}
}

// Loop runs the reactor until Quit is called, returning nil, or until the
// poller itself returns an error (for instance its underlying fd was
// closed out from under a still-running loop), returning that error
// immediately rather than retrying in a tight, unthrottled loop. It
// blocks, so callers almost always invoke it as `go loop.Loop()`. Calling
// Loop more than once, or from more than one goroutine at a time, is a
// misuse the original guards with an assertion; here it is simply
// undefined — don't.
func (l *EventLoop) Loop() error {
	l.looping.Store(true)
	defer l.looping.Store(false)

	for !l.quit.Load() {
		active, returnTime, err := l.poll.Poll(l.pollTimeoutMS, l.activeChannels[:0])
		if err != nil {
			log.Errorf("netpump: poll: %v", err)
			return errors.Wrap(err, "netpump: poll")
		}
		l.activeChannels = active
		for _, ch := range l.activeChannels {
			ch.(*Channel).Dispatch(returnTime)
		}
		l.doPendingTasks()
	}
	// A QueueInLoop call racing with Quit may append after the final
	// iteration's doPendingTasks ran but before quit was observed true;
	// drain once more so that task still runs instead of being dropped
	// on the floor when this goroutine returns.
	l.doPendingTasks()
	return nil
}

// Quit asks the loop to stop after its current iteration. Safe to call
// from any goroutine.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	l.wakeup()
}

// Close releases the loop's own fds (wakeup eventfd, timerfd, poller
// instance). Call it only after Loop has returned.
func (l *EventLoop) Close() error {
	return multierr.Combine(
		unix.Close(l.wakeupFD),
		l.timers.Close(),
		l.poll.Close(),
	)
}

// RunInLoop schedules cb to run on the loop goroutine. See the EventLoop
// doc comment for why this always queues rather than sometimes running
// synchronously.
func (l *EventLoop) RunInLoop(cb func()) {
	l.QueueInLoop(cb)
}

// QueueInLoop appends cb to the pending task queue and wakes the loop:
// the caller might be on another goroutine with the loop currently
// blocked in Poll, or might be a task already running inside
// doPendingTasks queuing a further task that would otherwise sit unseen
// until the next Poll cycle returns (up to pollTimeoutMS away). Since
// this port has no cheap way to tell "am I the loop's own goroutine and
// not presently draining" (see the EventLoop doc comment), every call
// wakes the loop rather than only some.
func (l *EventLoop) QueueInLoop(cb func()) {
	l.mu.Lock()
	l.pending = append(l.pending, cb)
	l.mu.Unlock()

	l.wakeup()
}

func (l *EventLoop) doPendingTasks() {
	l.mu.Lock()
	tasks := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, task := range tasks {
		task()
	}
}

// RunAt schedules cb to run at when, once.
func (l *EventLoop) RunAt(when time.Time, cb func()) timerqueue.ID {
	t, id := l.timers.NewTimer(cb, when, 0)
	l.RunInLoop(func() { l.timers.InsertInLoop(t) })
	return id
}

// RunAfter schedules cb to run once, after delay.
func (l *EventLoop) RunAfter(delay time.Duration, cb func()) timerqueue.ID {
	return l.RunAt(time.Now().Add(delay), cb)
}

// RunEvery schedules cb to run every interval, starting after the first
// interval elapses.
func (l *EventLoop) RunEvery(interval time.Duration, cb func()) timerqueue.ID {
	t, id := l.timers.NewTimer(cb, time.Now().Add(interval), interval)
	l.RunInLoop(func() { l.timers.InsertInLoop(t) })
	return id
}

// Cancel cancels a timer scheduled by RunAt/RunAfter/RunEvery. Canceling
// an unknown or already-fired id is a no-op.
func (l *EventLoop) Cancel(id timerqueue.ID) {
	l.RunInLoop(func() { l.timers.CancelInLoop(id) })
}

// PendingTimers reports how many timers are currently scheduled. Mostly
// useful for tests and diagnostics.
func (l *EventLoop) PendingTimers() int {
	return l.timers.Len()
}

// UpdateChannel registers or updates ch's interest with the loop's
// poller. Must only be called from code running on the loop goroutine
// (Channel's Enable*/Disable* methods, themselves only ever invoked from
// a Dispatch call or a task run via RunInLoop).
func (l *EventLoop) UpdateChannel(ch *Channel) error {
	return l.poll.UpdateChannel(ch)
}

// RemoveChannel detaches ch from the loop's poller. Same calling
// convention as UpdateChannel.
func (l *EventLoop) RemoveChannel(ch *Channel) error {
	return l.poll.RemoveChannel(ch)
}

func (l *EventLoop) wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeupFD, buf[:]); err != nil {
		log.Errorf("netpump: wakeup write: %v", err)
	}
}

func (l *EventLoop) handleWakeup(receiveTime int64) {
	var buf [8]byte
	if n, err := unix.Read(l.wakeupFD, buf[:]); err != nil || n != 8 {
		log.Errorf("netpump: wakeup read %d bytes, err=%v", n, err)
	}
}

func (l *EventLoop) handleTimer(now int64) {
	l.timers.HandleExpired(time.UnixMicro(now))
}

// String describes the loop for diagnostics/logging.
func (l *EventLoop) String() string {
	return fmt.Sprintf("EventLoop{pendingTimers=%d}", l.timers.Len())
}
