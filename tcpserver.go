package netpump

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/reactorcore/netpump/config"
	"github.com/reactorcore/netpump/log"
)

// TcpServer accepts connections on a listening address and fans them out
// across a ReactorThreadPool, naming each session "host:port#N" the way
// the reactor this package is grounded on does. Its lifetime is owned by
// the caller; there is no implicit stop-on-GC.
type TcpServer struct {
	loop       *EventLoop
	name       string
	listenAddr Address
	acceptor   *Acceptor
	threadPool *ReactorThreadPool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	highWaterMark         int
	configSource          *config.Source

	started    bool
	nextConnID int

	mu          sync.Mutex
	connections map[string]*TcpConnection
}

// NewTcpServer creates a TcpServer bound to listenAddr on loop, which acts
// as both the server's base reactor and (absent WithThreadCount) its only
// I/O reactor. It does not start listening; call Start.
func NewTcpServer(loop *EventLoop, listenAddr Address, opts ...ServerOption) (*TcpServer, error) {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt.f(&o)
	}

	var acceptor *Acceptor
	var err error
	if o.reusePort {
		acceptor, err = NewReusePortAcceptor(loop, listenAddr)
	} else {
		acceptor, err = NewAcceptor(loop, listenAddr)
	}
	if err != nil {
		return nil, err
	}

	s := &TcpServer{
		loop:          loop,
		name:          listenAddr.String(),
		listenAddr:    listenAddr,
		acceptor:      acceptor,
		threadPool:    NewReactorThreadPool(loop, o.pollerKind),
		highWaterMark: o.highWaterMark,
		configSource:  o.configSource,
		nextConnID:    1,
		connections:   make(map[string]*TcpConnection),
	}
	s.threadPool.SetThreadCount(o.threadCount)
	s.threadPool.SetPollTimeoutMS(o.pollTimeoutMS)
	s.acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

// SetConnectionCallback sets the callback fired on connection
// establishment and teardown. Not thread-safe; set before Start.
func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }

// SetMessageCallback sets the callback fired when a connection has bytes
// to deliver. Not thread-safe; set before Start.
func (s *TcpServer) SetMessageCallback(cb MessageCallback) { s.messageCallback = cb }

// SetWriteCompleteCallback sets the callback fired when a connection's
// output buffer drains. Not thread-safe; set before Start.
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	s.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback sets the callback fired on the rising edge of
// a connection's output buffer crossing mark bytes. On a server built
// with WithServerConfigSource, each accepted connection takes its mark
// from the config source instead of mark. Not thread-safe; set before
// Start.
func (s *TcpServer) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	s.highWaterMarkCallback = cb
	s.highWaterMark = mark
}

// Start starts the reactor thread pool and the acceptor's listen, in that
// order. Idempotent; safe to call more than once. Must be called from the
// base reactor's goroutine — e.g. from inside loop.RunInLoop — since it
// spawns the thread pool synchronously and needs the result immediately.
func (s *TcpServer) Start() error {
	if !s.started {
		s.started = true
		if err := s.threadPool.Start(); err != nil {
			return err
		}
	}
	if !s.acceptor.Listening() {
		s.loop.RunInLoop(func() {
			if err := s.acceptor.Listen(); err != nil {
				log.Errorf("netpump: TcpServer %s: listen: %v", s.name, err)
			}
		})
	}
	return nil
}

// Close stops accepting new connections, tears every currently open
// connection down, and releases the reactor thread pool's worker
// goroutines and descriptors. The base reactor passed to NewTcpServer is
// not touched; its owner is responsible for it. Must be called from the
// base reactor's goroutine, the same as Start.
func (s *TcpServer) Close() error {
	closeErr := s.acceptor.Close()

	s.mu.Lock()
	conns := make([]*TcpConnection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.connections = make(map[string]*TcpConnection)
	s.mu.Unlock()

	// Queue ConnectDestroyed directly rather than going through
	// removeConnection: the map is already cleared above, and
	// removeConnection's own RunInLoop hop back to this (the base)
	// reactor would just re-acquire s.mu to delete an entry no longer
	// there.
	for _, conn := range conns {
		conn.Loop().QueueInLoop(conn.ConnectDestroyed)
	}

	return multierr.Combine(closeErr, s.threadPool.Close())
}

// Connections returns a snapshot of the server's current connections,
// keyed by session name.
func (s *TcpServer) Connections() map[string]*TcpConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*TcpConnection, len(s.connections))
	for k, v := range s.connections {
		out[k] = v
	}
	return out
}

// newConnection runs on the base reactor's goroutine (Acceptor guarantees
// this): it names the session, picks an I/O reactor via the thread pool,
// builds the TcpConnection there, and queues ConnectEstablished onto it.
func (s *TcpServer) newConnection(fd int, peerAddr Address) {
	connName := fmt.Sprintf("%s#%d", s.name, s.nextConnID)
	s.nextConnID++

	local, err := localAddress(fd)
	if err != nil {
		log.Warnf("netpump: TcpServer %s: getsockname for %s: %v", s.name, connName, err)
	}

	ioLoop := s.threadPool.Next()
	conn := NewTcpConnection(ioLoop, connName, fd, local, peerAddr)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	if s.highWaterMarkCallback != nil {
		mark := s.highWaterMark
		if s.configSource != nil {
			// Re-read rather than trust the snapshot taken at
			// construction, so a reload picks up this connection even
			// though connections already running were never touched.
			mark = s.configSource.Current().HighWaterMark
		}
		conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, mark)
	}
	conn.SetCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	ioLoop.RunInLoop(conn.ConnectEstablished)
}

// removeConnection is TcpConnection's internal close callback. It is
// thread-safe: it bounces to the base reactor (where the connection map
// is owned) before mutating it, matching the original's base-reactor-only
// map access rule.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.loop.RunInLoop(func() {
		s.mu.Lock()
		delete(s.connections, conn.Name())
		s.mu.Unlock()
		conn.Loop().QueueInLoop(conn.ConnectDestroyed)
	})
}
