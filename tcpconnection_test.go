package netpump

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/reactorcore/netpump/buffer"
)

// newConnectedPair returns two non-blocking, connected fds (a UNIX domain
// socketpair), standing in for a TCP connection's two ends without
// needing an actual Acceptor/Connector round trip.
func newConnectedPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestTcpConnectionEstablishAndReceiveMessage(t *testing.T) {
	loop := newTestLoop(t)
	fd, peerFD := newConnectedPair(t)

	var conn *TcpConnection
	established := make(chan struct{})
	received := make(chan string, 1)

	loop.RunInLoop(func() {
		conn = NewTcpConnection(loop, "test-conn", fd, Address{}, Address{})
		conn.SetConnectionCallback(func(c *TcpConnection) {
			if c.Connected() {
				close(established)
			}
		})
		conn.SetMessageCallback(func(c *TcpConnection, buf *buffer.Buffer, _ int64) {
			received <- buf.RetrieveAllString()
		})
		conn.ConnectEstablished()
	})

	select {
	case <-established:
	case <-time.After(time.Second):
		t.Fatal("connection never established")
	}

	_, err := unix.Write(peerFD, []byte("hello reactor"))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "hello reactor", msg)
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestTcpConnectionSendDirectWritePath(t *testing.T) {
	loop := newTestLoop(t)
	fd, peerFD := newConnectedPair(t)

	var conn *TcpConnection
	done := make(chan struct{})
	loop.RunInLoop(func() {
		conn = NewTcpConnection(loop, "test-conn", fd, Address{}, Address{})
		conn.ConnectEstablished()
		close(done)
	})
	<-done

	conn.SendString("ping")

	buf := make([]byte, 16)
	deadline := time.Now().Add(time.Second)
	var n int
	var err error
	for time.Now().Before(deadline) {
		n, err = unix.Read(peerFD, buf)
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		break
	}
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestTcpConnectionHandleCloseOnEOF(t *testing.T) {
	loop := newTestLoop(t)
	fd, peerFD := newConnectedPair(t)

	var conn *TcpConnection
	closed := make(chan struct{})
	done := make(chan struct{})
	loop.RunInLoop(func() {
		conn = NewTcpConnection(loop, "test-conn", fd, Address{}, Address{})
		conn.SetCloseCallback(func(c *TcpConnection) { close(closed) })
		conn.ConnectEstablished()
		close(done)
	})
	<-done

	unix.Close(peerFD)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("handleClose never fired on peer EOF")
	}
}

func TestTcpConnectionHandleCloseRunsOnce(t *testing.T) {
	loop := newTestLoop(t)
	fd, _ := newConnectedPair(t)

	var conn *TcpConnection
	calls := 0
	done := make(chan struct{})
	loop.RunInLoop(func() {
		conn = NewTcpConnection(loop, "test-conn", fd, Address{}, Address{})
		conn.SetCloseCallback(func(c *TcpConnection) { calls++ })
		conn.ConnectEstablished()
		conn.handleClose()
		conn.handleClose()
		conn.handleClose()
		close(done)
	})
	<-done

	assert.Equal(t, 1, calls)
}

func TestTcpConnectionHandleErrorTearsDownConnection(t *testing.T) {
	loop := newTestLoop(t)
	fd, _ := newConnectedPair(t)

	var conn *TcpConnection
	closed := make(chan struct{})
	done := make(chan struct{})
	loop.RunInLoop(func() {
		conn = NewTcpConnection(loop, "test-conn", fd, Address{}, Address{})
		conn.SetCloseCallback(func(c *TcpConnection) { close(closed) })
		conn.ConnectEstablished()
		conn.handleError()
		close(done)
	})
	<-done

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("handleError never reached handleClose")
	}
}

func TestTcpConnectionHandleWriteTearsDownOnPersistentError(t *testing.T) {
	loop := newTestLoop(t)
	fd, peerFD := newConnectedPair(t)

	var conn *TcpConnection
	closed := make(chan struct{})
	done := make(chan struct{})
	loop.RunInLoop(func() {
		conn = NewTcpConnection(loop, "test-conn", fd, Address{}, Address{})
		conn.SetCloseCallback(func(c *TcpConnection) { close(closed) })
		conn.ConnectEstablished()
		close(done)
	})
	<-done

	unix.Close(peerFD)
	time.Sleep(10 * time.Millisecond)

	loop.RunInLoop(func() {
		conn.outputBuffer.Append([]byte("queued"))
		conn.channel.EnableWriting()
		conn.handleWrite()
	})

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("handleWrite never tore down the connection on a persistent write error")
	}
	assert.True(t, conn.closeOnce.closed())
}

func TestTcpConnectionConnectDestroyedRunsOnce(t *testing.T) {
	loop := newTestLoop(t)
	fd, _ := newConnectedPair(t)

	var conn *TcpConnection
	calls := 0
	done := make(chan struct{})
	loop.RunInLoop(func() {
		conn = NewTcpConnection(loop, "test-conn", fd, Address{}, Address{})
		conn.SetConnectionCallback(func(c *TcpConnection) {
			if !c.Connected() {
				calls++
			}
		})
		conn.ConnectEstablished()
		conn.ConnectDestroyed()
		conn.ConnectDestroyed()
		conn.ConnectDestroyed()
		close(done)
	})
	<-done

	assert.Equal(t, 1, calls)
	assert.True(t, conn.Disconnected())
}

func TestTcpConnectionShutdownOnlyFromConnected(t *testing.T) {
	loop := newTestLoop(t)
	fd, _ := newConnectedPair(t)

	var conn *TcpConnection
	done := make(chan struct{})
	loop.RunInLoop(func() {
		conn = NewTcpConnection(loop, "test-conn", fd, Address{}, Address{})
		close(done)
	})
	<-done

	// Not yet Connected (still Connecting): Shutdown is a no-op.
	conn.Shutdown()
	assert.Equal(t, connStateConnecting, connState(conn.state.Load()))
}
