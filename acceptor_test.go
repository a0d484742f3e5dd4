package netpump

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAcceptorAcceptsConnection(t *testing.T) {
	loop := newTestLoop(t)

	addr, err := NewAddress("127.0.0.1", 0)
	require.NoError(t, err)

	var acceptor *Acceptor
	accepted := make(chan int, 1)

	done := make(chan struct{})
	loop.RunInLoop(func() {
		a, err := NewAcceptor(loop, addr)
		require.NoError(t, err)
		acceptor = a
		acceptor.SetNewConnectionCallback(func(fd int, peer Address) {
			accepted <- fd
		})
		require.NoError(t, acceptor.Listen())
		close(done)
	})
	<-done

	var listenAddr Address
	addrDone := make(chan struct{})
	loop.RunInLoop(func() {
		listenAddr, _ = localAddress(acceptor.fd)
		close(addrDone)
	})
	select {
	case <-addrDone:
	case <-time.After(time.Second):
		t.Fatal("listen address never resolved")
	}

	clientFD, err := newNonblockingSocket()
	require.NoError(t, err)
	defer unix.Close(clientFD)
	err = connectSocket(clientFD, listenAddr)
	if err != nil && err != unix.EINPROGRESS {
		require.NoError(t, err)
	}

	select {
	case fd := <-accepted:
		assert.Greater(t, fd, 0)
		unix.Close(fd)
	case <-time.After(time.Second):
		t.Fatal("acceptor never accepted the connection")
	}
}
