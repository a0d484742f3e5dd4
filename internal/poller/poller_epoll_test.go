package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEpollPollerRegisterModifyRemove(t *testing.T) {
	p, err := NewEpoll()
	require.NoError(t, err)
	defer p.Close()

	ch, cleanup := newPipeChannel(t)
	defer cleanup()

	ch.interest = unix.EPOLLIN
	require.NoError(t, p.UpdateChannel(ch))
	assert.True(t, p.HasChannel(ch))

	ch.interest = unix.EPOLLIN | unix.EPOLLOUT
	require.NoError(t, p.UpdateChannel(ch))
	assert.True(t, p.HasChannel(ch))

	ch.interest = 0
	require.NoError(t, p.UpdateChannel(ch))
	assert.False(t, p.HasChannel(ch))

	require.NoError(t, p.RemoveChannel(ch))
}

func TestEpollPollerPollReportsWritable(t *testing.T) {
	p, err := NewEpoll()
	require.NoError(t, err)
	defer p.Close()

	ch, cleanup := newWritablePipeChannel(t)
	defer cleanup()

	ch.interest = unix.EPOLLOUT
	require.NoError(t, p.UpdateChannel(ch))

	active, _, err := p.Poll(100, nil)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.NotZero(t, active[0].(*fakeChannel).ready&unix.EPOLLOUT)
}

func TestEpollPollerRemoveRequiresNoInterest(t *testing.T) {
	p, err := NewEpoll()
	require.NoError(t, err)
	defer p.Close()

	ch, cleanup := newPipeChannel(t)
	defer cleanup()
	ch.interest = unix.EPOLLIN
	require.NoError(t, p.UpdateChannel(ch))
	assert.Error(t, p.RemoveChannel(ch))
}
