package netpump

import (
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/reactorcore/netpump/buffer"
	"github.com/reactorcore/netpump/log"
	"github.com/reactorcore/netpump/metrics"
)

type connState int32

const (
	connStateConnecting connState = iota
	connStateConnected
	connStateDisconnecting
	connStateDisconnected
)

func (s connState) String() string {
	switch s {
	case connStateConnecting:
		return "connecting"
	case connStateConnected:
		return "connected"
	case connStateDisconnecting:
		return "disconnecting"
	case connStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionCallback fires when a connection transitions into Connected
// (Connected() true) and again exactly once when it is finally torn down
// (Connected() false).
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback delivers newly read bytes. buf aliases the connection's
// input buffer; callers that need to retain data past the callback must
// copy it. receiveTime is the poller's return timestamp.
type MessageCallback func(conn *TcpConnection, buf *buffer.Buffer, receiveTime int64)

// WriteCompleteCallback fires after the output buffer has fully drained,
// either because a direct write completed in one shot or because
// handleWrite finished retiring the buffered remainder.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback fires on the rising edge when the output buffer's
// size crosses HighWaterMark; it does not fire again until the buffer has
// drained and crosses the mark again.
type HighWaterMarkCallback func(conn *TcpConnection, size int)

// CloseCallback is the internal hook TcpServer/TcpClient use to learn a
// connection is closing so they can remove it from their connection map;
// it is distinct from ConnectionCallback, which is user-facing.
type CloseCallback func(conn *TcpConnection)

// defaultHighWaterMark is the output buffer size, in bytes, above which
// HighWaterMarkCallback fires if one is registered.
const defaultHighWaterMark = 64 * 1024 * 1024

// TcpConnection is one established TCP connection's state machine,
// entirely owned by a single EventLoop for its whole lifetime. It is
// created already Connecting from an fd someone else accepted or
// connected; ConnectEstablished and ConnectDestroyed bookend its life.
type TcpConnection struct {
	loop    *EventLoop
	name    string
	fd      int
	channel *Channel

	localAddr Address
	peerAddr  Address

	state atomic.Int32

	inputBuffer  *buffer.Buffer
	outputBuffer *buffer.Buffer

	highWaterMark   int
	highWaterMarked bool

	connectionCallback     ConnectionCallback
	messageCallback        MessageCallback
	writeCompleteCallback  WriteCompleteCallback
	highWaterMarkCallback  HighWaterMarkCallback
	closeCallback          CloseCallback

	destroyOnce onceCloser
	closeOnce   onceCloser

	context any
}

// NewTcpConnection builds a TcpConnection in the Connecting state around
// an already non-blocking fd, wiring its Channel's four callbacks the way
// the reactor's Acceptor/Connector-produced fds expect. The caller must
// still call ConnectEstablished (normally via loop.QueueInLoop, from
// TcpServer/TcpClient) before the connection will read anything.
func NewTcpConnection(loop *EventLoop, name string, fd int, localAddr, peerAddr Address, opts ...ConnectionOption) *TcpConnection {
	o := defaultConnectionOptions()
	for _, opt := range opts {
		opt.f(&o)
	}
	c := &TcpConnection{
		loop:          loop,
		name:          name,
		fd:            fd,
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   buffer.New(),
		outputBuffer:  buffer.New(),
		highWaterMark: o.highWaterMark,
	}
	c.state.Store(int32(connStateConnecting))
	c.channel = NewChannel(loop, fd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	if o.tcpNoDelay {
		setTCPNoDelay(fd, true)
	}
	return c
}

// Loop returns the EventLoop this connection belongs to.
func (c *TcpConnection) Loop() *EventLoop { return c.loop }

// Name returns the connection's session name, assigned by its owning
// TcpServer or TcpClient.
func (c *TcpConnection) Name() string { return c.name }

// FD returns the connection's underlying file descriptor. Callers must
// not close it directly; ConnectDestroyed owns that.
func (c *TcpConnection) FD() int { return c.fd }

// LocalAddress returns the connection's local endpoint.
func (c *TcpConnection) LocalAddress() Address { return c.localAddr }

// PeerAddress returns the connection's remote endpoint.
func (c *TcpConnection) PeerAddress() Address { return c.peerAddr }

// Connected reports whether the connection is currently in the Connected
// state. Safe to call from any goroutine.
func (c *TcpConnection) Connected() bool {
	return connState(c.state.Load()) == connStateConnected
}

// Disconnected reports whether the connection has fully torn down.
func (c *TcpConnection) Disconnected() bool {
	return connState(c.state.Load()) == connStateDisconnected
}

// Context returns the opaque value last set by SetContext, nil if none.
func (c *TcpConnection) Context() any { return c.context }

// SetContext attaches an opaque application value to the connection.
func (c *TcpConnection) SetContext(ctx any) { c.context = ctx }

// SetConnectionCallback sets the user callback invoked on establishment
// and on final teardown.
func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

// SetMessageCallback sets the user callback invoked when bytes arrive.
func (c *TcpConnection) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

// SetWriteCompleteCallback sets the callback invoked once the output
// buffer fully drains.
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback sets the callback invoked on the rising edge
// when the output buffer crosses mark bytes, and records mark.
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

// SetCloseCallback sets the internal callback TcpServer/TcpClient use to
// learn the connection is closing.
func (c *TcpConnection) SetCloseCallback(cb CloseCallback) { c.closeCallback = cb }

// SetTCPNoDelay toggles Nagle's algorithm on the underlying socket.
func (c *TcpConnection) SetTCPNoDelay(on bool) {
	setTCPNoDelay(c.fd, on)
}

// Send queues message for delivery. Safe to call from any goroutine; a
// call on a connection that is not Connected is silently dropped, the
// same as the reactor this package's design is grounded on.
func (c *TcpConnection) Send(message []byte) {
	if !c.Connected() {
		return
	}
	data := append([]byte(nil), message...)
	c.loop.RunInLoop(func() { c.sendInLoop(data) })
}

// SendString is a convenience wrapper around Send.
func (c *TcpConnection) SendString(message string) {
	c.Send([]byte(message))
}

// sendInLoop implements the fast/slow path split: try a direct write when
// nothing is already queued, falling back to the output buffer (and write
// interest) for whatever the direct write could not place immediately.
// Must run on the loop goroutine.
func (c *TcpConnection) sendInLoop(data []byte) {
	if connState(c.state.Load()) == connStateDisconnected {
		log.Warnf("netpump: %s: send on a torn-down connection dropped", c.name)
		return
	}

	nwrote := 0
	fault := false

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		switch err {
		case nil:
			nwrote = n
			metrics.BytesWritten.Add(float64(n))
			if nwrote == len(data) && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
			}
		case unix.EAGAIN:
			nwrote = 0
		default:
			nwrote = 0
			log.Errorf("netpump: %s: sendInLoop write: %v", c.name, err)
			if err == unix.EPIPE || err == unix.ECONNRESET {
				fault = true
			}
		}
	}

	if fault {
		return
	}

	if nwrote < len(data) {
		remaining := data[nwrote:]
		c.outputBuffer.Append(remaining)
		metrics.OutputBufferQueued.Add(float64(len(remaining)))
		c.checkHighWaterMark()
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

func (c *TcpConnection) checkHighWaterMark() {
	if c.highWaterMarkCallback == nil || c.highWaterMarked {
		return
	}
	total := c.outputBuffer.ReadableBytes()
	if total >= c.highWaterMark {
		c.highWaterMarked = true
		metrics.HighWaterMarkHits.Inc()
		c.loop.QueueInLoop(func() { c.highWaterMarkCallback(c, total) })
	}
}

// Shutdown half-closes the write side once the connection is Connected,
// deferring to the loop goroutine for the actual shutdown(2) call. Safe
// to call from any goroutine.
func (c *TcpConnection) Shutdown() {
	if c.state.CAS(int32(connStateConnected), int32(connStateDisconnecting)) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	if c.channel.IsWriting() {
		// Still draining the output buffer; handleWrite will call back
		// into shutdownInLoop once it empties.
		return
	}
	if err := shutdownWrite(c.fd); err != nil {
		log.Warnf("netpump: %s: shutdownWrite: %v", c.name, err)
	}
}

// ConnectEstablished transitions Connecting to Connected, enables
// reading, and invokes the user connection callback. Must run on the
// loop goroutine, and must be called exactly once.
func (c *TcpConnection) ConnectEstablished() {
	if !c.state.CAS(int32(connStateConnecting), int32(connStateConnected)) {
		log.Errorf("netpump: %s: ConnectEstablished outside Connecting state", c.name)
		return
	}
	c.channel.EnableReading()
	metrics.ConnectionsOpened.Inc()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// ConnectDestroyed tears the connection fully down: disables all channel
// interest, invokes the user connection callback with Connected()==false,
// removes the channel from the poller, and closes the fd. It is guarded
// to run at most once regardless of how many paths (handleClose's
// close-cb chain, or a direct call from TcpServer/TcpClient teardown) try
// to trigger it. Must run on the loop goroutine.
func (c *TcpConnection) ConnectDestroyed() {
	if !c.destroyOnce.begin() {
		return
	}
	st := connState(c.state.Load())
	if st != connStateConnected && st != connStateDisconnecting {
		log.Warnf("netpump: %s: ConnectDestroyed from unexpected state %s", c.name, st)
	}
	c.state.Store(int32(connStateDisconnected))
	c.channel.DisableAll()
	metrics.ConnectionsClosed.Inc()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	c.channel.Remove()
	unix.Close(c.fd)
}

func (c *TcpConnection) handleRead(receiveTime int64) {
	n, err := c.inputBuffer.ReadFromFD(c.fd)
	switch {
	case n > 0:
		metrics.BytesRead.Add(float64(n))
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		}
	case n == 0:
		c.handleClose()
	default:
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			log.Errorf("netpump: %s: handleRead: %v", c.name, err)
			c.handleError()
		}
	}
}

func (c *TcpConnection) handleWrite() {
	if !c.channel.IsWriting() {
		log.Debugf("netpump: %s: connection is down, no more writing", c.name)
		return
	}
	n, err := unix.Write(c.fd, c.outputBuffer.Peek())
	if err != nil {
		if err != unix.EAGAIN {
			log.Errorf("netpump: %s: handleWrite: %v", c.name, err)
			// A persistent write error (EPIPE, ECONNRESET, ...) means the
			// fd will keep reporting writable and keep failing the same
			// way every poll cycle; without tearing down here the channel
			// stays registered for writing forever.
			c.handleClose()
		}
		return
	}
	c.outputBuffer.Retrieve(n)
	metrics.BytesWritten.Add(float64(n))
	metrics.OutputBufferQueued.Sub(float64(n))
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		c.highWaterMarked = false
		if c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
		}
		if connState(c.state.Load()) == connStateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose is the single path by which a fault detected on this
// connection's own fd (EOF on read, a persistent write error, or a
// channel-level POLLERR) reaches the owning TcpServer/TcpClient's
// closeCallback. Guarded to fire at most once: handleRead, handleWrite and
// handleError can all observe a fault for the same dead fd within one
// Dispatch pass (for example a hangup plus a write error reported in the
// same poll return), and closeCallback's downstream reconnect/cleanup logic
// is not written to tolerate running twice for one connection.
func (c *TcpConnection) handleClose() {
	if !c.closeOnce.begin() {
		return
	}
	st := connState(c.state.Load())
	if st != connStateConnected && st != connStateDisconnecting {
		log.Warnf("netpump: %s: handleClose from unexpected state %s", c.name, st)
	}
	c.channel.DisableAll()
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	err := socketError(c.fd)
	log.Errorf("netpump: %s: SO_ERROR: %v", c.name, err)
	c.handleClose()
}
