package netpump

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/reactorcore/netpump/log"
)

// TcpClient holds a Connector and at most one live TcpConnection. Pairing
// it with a Connector, which retries indefinitely with back-off, means
// client and server may be started in either order: the client just
// waits.
type TcpClient struct {
	loop      *EventLoop
	connector *Connector

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	retry   atomic.Bool
	connect atomic.Bool

	nextConnID int

	mu         sync.Mutex
	connection *TcpConnection
}

// NewTcpClient creates a TcpClient that will dial serverAddr on loop.
func NewTcpClient(loop *EventLoop, serverAddr Address, opts ...ClientOption) *TcpClient {
	o := defaultClientOptions()
	for _, opt := range opts {
		opt.f(&o)
	}
	c := &TcpClient{
		loop:       loop,
		connector:  NewConnector(loop, serverAddr),
		nextConnID: 1,
	}
	c.connect.Store(true)
	c.retry.Store(o.retry)
	c.connector.SetNewConnectionCallback(c.newConnection)
	return c
}

// SetConnectionCallback sets the callback fired on connection
// establishment and teardown. Not thread-safe; set before Connect.
func (c *TcpClient) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

// SetMessageCallback sets the callback fired when the connection has
// bytes to deliver. Not thread-safe; set before Connect.
func (c *TcpClient) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

// SetWriteCompleteCallback sets the callback fired when the connection's
// output buffer drains. Not thread-safe; set before Connect.
func (c *TcpClient) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}

// EnableRetry makes the client restart its Connector whenever the current
// connection closes, instead of staying disconnected.
func (c *TcpClient) EnableRetry() { c.retry.Store(true) }

// Retry reports whether EnableRetry has been called.
func (c *TcpClient) Retry() bool { return c.retry.Load() }

// Connection returns the client's current connection, or nil if none is
// established. Safe to call from any goroutine.
func (c *TcpClient) Connection() *TcpConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection
}

// Connect starts the underlying Connector. Safe to call from any
// goroutine.
func (c *TcpClient) Connect() {
	log.Infof("netpump: TcpClient: connecting to %s", c.connector.ServerAddress())
	c.connect.Store(true)
	c.connector.Start()
}

// Disconnect shuts down the current connection, if any, and disables
// reconnecting: the retry-on-close restart no longer runs, and a connect
// attempt that completes afterwards is closed instead of installed. It
// does not cancel the Connector's pending retry timer; Stop does that.
func (c *TcpClient) Disconnect() {
	c.connect.Store(false)
	c.mu.Lock()
	conn := c.connection
	c.mu.Unlock()
	if conn != nil {
		conn.Shutdown()
	}
}

// Stop disables reconnecting and stops the Connector's retry loop. It
// does not shut down an already-established connection; call Disconnect
// for that.
func (c *TcpClient) Stop() {
	c.connect.Store(false)
	c.connector.Stop()
}

// Close stops the client for good: it disables reconnecting, stops the
// Connector's retry timer, and tears any live connection down directly
// by queuing ConnectDestroyed on its own reactor, the same bypass-the-
// close-callback-chain approach TcpServer.Close uses. Shutdown (a plain
// TCP half-close) isn't enough here: it only writes a FIN and waits for
// the peer to close its own half before handleClose ever runs, so a live
// connection whose peer hasn't independently hung up would otherwise
// outlive Close indefinitely. ConnectDestroyed's destroyOnce guard makes
// this safe to race against a connection that happens to close on its
// own at the same time; the original close callback is left in place
// but, with connect already false, its reconnect check is a no-op even
// if it does fire first.
func (c *TcpClient) Close() {
	c.connect.Store(false)
	c.connector.Stop()

	c.mu.Lock()
	conn := c.connection
	c.connection = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Loop().QueueInLoop(conn.ConnectDestroyed)
	}
}

func (c *TcpClient) newConnection(fd int) {
	peer, err := peerAddress(fd)
	if err != nil {
		log.Warnf("netpump: TcpClient: getpeername: %v", err)
	}
	local, err := localAddress(fd)
	if err != nil {
		log.Warnf("netpump: TcpClient: getsockname: %v", err)
	}

	if !c.connect.Load() {
		// Close/Stop ran concurrently with the Connector's handshake
		// completing; its own connect flag was still true when it decided
		// to call us, but this client-level one already isn't. Narrows,
		// without eliminating, the inherent race between an in-flight
		// connect and a concurrent Close.
		unix.Close(fd)
		return
	}

	connName := fmt.Sprintf(":%s#%d", peer, c.nextConnID)
	c.nextConnID++

	conn := NewTcpConnection(c.loop, connName, fd, local, peer)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.SetCloseCallback(c.removeConnection)

	c.mu.Lock()
	c.connection = conn
	c.mu.Unlock()

	conn.ConnectEstablished()
}

func (c *TcpClient) removeConnection(conn *TcpConnection) {
	c.mu.Lock()
	c.connection = nil
	c.mu.Unlock()

	conn.Loop().QueueInLoop(conn.ConnectDestroyed)
	if c.retry.Load() && c.connect.Load() {
		log.Infof("netpump: TcpClient: reconnecting to %s", c.connector.ServerAddress())
		c.connector.Restart()
	}
}
