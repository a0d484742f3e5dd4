package netpump

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *EventLoop {
	t.Helper()
	l, err := NewEventLoop(PollerEpoll)
	require.NoError(t, err)
	go l.Loop()
	t.Cleanup(func() {
		l.Quit()
		for i := 0; i < 1000 && l.looping.Load(); i++ {
			time.Sleep(time.Millisecond)
		}
		l.Close()
	})
	return l
}

func TestNewEventLoopAppliesPollTimeoutOption(t *testing.T) {
	l, err := NewEventLoop(PollerEpoll)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, defaultPollTimeoutMS, l.pollTimeoutMS)

	l2, err := NewEventLoop(PollerEpoll, WithPollTimeoutMS(250))
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, 250, l2.pollTimeoutMS)
}

func TestEventLoopRunInLoopExecutes(t *testing.T) {
	l := newTestLoop(t)

	done := make(chan struct{})
	l.RunInLoop(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunInLoop callback never ran")
	}
}

func TestEventLoopRunAfterFires(t *testing.T) {
	l := newTestLoop(t)

	fired := make(chan struct{})
	l.RunAfter(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("RunAfter callback never fired")
	}
}

func TestEventLoopCancelPreventsFire(t *testing.T) {
	l := newTestLoop(t)

	var mu sync.Mutex
	fired := false
	id := l.RunAfter(50*time.Millisecond, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	l.Cancel(id)

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)
}

func TestEventLoopRunEveryRepeats(t *testing.T) {
	l := newTestLoop(t)

	var mu sync.Mutex
	count := 0
	id := l.RunEvery(10*time.Millisecond, func() {
		mu.Lock()
		count++
		mu.Unlock()
	})

	time.Sleep(80 * time.Millisecond)
	l.Cancel(id)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, count, 1)
}

func TestEventLoopQuitStopsLoop(t *testing.T) {
	l, err := NewEventLoop(PollerPoll)
	require.NoError(t, err)
	go l.Loop()

	time.Sleep(10 * time.Millisecond)
	l.Quit()

	for i := 0; i < 1000 && l.looping.Load(); i++ {
		time.Sleep(time.Millisecond)
	}
	assert.False(t, l.looping.Load())
	require.NoError(t, l.Close())
}

// TestEventLoopQuitBeforeLoopStartsStillStops guards against Loop
// resetting quit back to false at startup and clobbering a Quit call that
// raced in before the spawned goroutine ran its first instruction — the
// exact sequence newTestLoop's own go l.Loop(); t.Cleanup(l.Quit) pattern
// can hit.
func TestEventLoopQuitBeforeLoopStartsStillStops(t *testing.T) {
	l, err := NewEventLoop(PollerPoll)
	require.NoError(t, err)

	l.Quit()
	go l.Loop()

	for i := 0; i < 1000 && (l.looping.Load() || !l.quit.Load()); i++ {
		time.Sleep(time.Millisecond)
	}
	assert.False(t, l.looping.Load())
	require.NoError(t, l.Close())
}

// TestEventLoopQueueInLoopRacingQuitStillRuns guards against a task
// queued immediately before Quit being dropped if the loop observes
// quit == true before it would otherwise have drained that task.
func TestEventLoopQueueInLoopRacingQuitStillRuns(t *testing.T) {
	l := newTestLoop(t)

	ran := make(chan struct{})
	l.QueueInLoop(func() { close(ran) })
	l.Quit()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task queued immediately before Quit never ran")
	}
}
