package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeChannel struct {
	fd       int
	interest uint32
	index    int
	ready    uint32
}

func (c *fakeChannel) FD() int           { return c.fd }
func (c *fakeChannel) Interest() uint32  { return c.interest }
func (c *fakeChannel) Index() int        { return c.index }
func (c *fakeChannel) SetIndex(i int)    { c.index = i }
func (c *fakeChannel) SetReady(e uint32) { c.ready = e }

func newPipeChannel(t *testing.T) (*fakeChannel, func()) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	ch := &fakeChannel{fd: fds[0], index: -1}
	return ch, func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	}
}

// newWritablePipeChannel wraps a pipe's write end, which is immediately
// writable as long as the pipe is not full, for tests exercising write
// readiness.
func newWritablePipeChannel(t *testing.T) (*fakeChannel, func()) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	ch := &fakeChannel{fd: fds[1], index: -1}
	return ch, func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	}
}

func TestPollPollerRegisterAndPoll(t *testing.T) {
	p := NewPoll().(*pollPoller)
	ch, cleanup := newPipeChannel(t)
	defer cleanup()

	ch.interest = unix.POLLIN
	require.NoError(t, p.UpdateChannel(ch))
	assert.True(t, p.HasChannel(ch))
	assert.GreaterOrEqual(t, ch.Index(), 0)

	active, _, err := p.Poll(0, nil)
	require.NoError(t, err)
	assert.Empty(t, active)

	ch.interest = 0
	require.NoError(t, p.UpdateChannel(ch))
	require.NoError(t, p.RemoveChannel(ch))
	assert.False(t, p.HasChannel(ch))
	assert.Equal(t, -1, ch.Index())
}

func TestPollPollerRemoveRequiresNoInterest(t *testing.T) {
	p := NewPoll().(*pollPoller)
	ch, cleanup := newPipeChannel(t)
	defer cleanup()
	ch.interest = unix.POLLIN
	require.NoError(t, p.UpdateChannel(ch))
	assert.Error(t, p.RemoveChannel(ch))
}

func TestPollPollerTailSwapKeepsSurvivorIndexed(t *testing.T) {
	p := NewPoll().(*pollPoller)
	a, cleanA := newPipeChannel(t)
	defer cleanA()
	b, cleanB := newPipeChannel(t)
	defer cleanB()
	a.interest = unix.POLLIN
	b.interest = unix.POLLIN
	require.NoError(t, p.UpdateChannel(a))
	require.NoError(t, p.UpdateChannel(b))

	a.interest = 0
	require.NoError(t, p.UpdateChannel(a))
	require.NoError(t, p.RemoveChannel(a))

	assert.True(t, p.HasChannel(b))
	require.Len(t, p.pollfds, 1)
	assert.Equal(t, int32(b.fd), p.pollfds[b.Index()].Fd)
}
