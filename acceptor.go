package netpump

import (
	"net"
	"runtime"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/reactorcore/netpump/log"
)

// NewConnectionCallback receives a freshly accepted, already non-blocking
// connection fd and the peer's address. The callee owns fd from this
// point on; Acceptor never closes it itself.
type NewConnectionCallback func(fd int, peer Address)

// Acceptor owns a listening socket and its Channel on a single EventLoop,
// handing each accepted connection off via NewConnectionCallback. It
// mirrors the original reactor's Acceptor one-for-one: one accept(2) (or,
// here, acceptConn) per readable notification, not a drain-until-EAGAIN
// loop, since a busy listener should not starve other channels on the
// same reactor.
type Acceptor struct {
	loop      *EventLoop
	fd        int
	channel   *Channel
	listening bool

	onNewConnection NewConnectionCallback

	// reuseportFile is non-nil when this Acceptor was built with
	// NewReusePortAcceptor: its SO_REUSEPORT-bound fd is a dup of a
	// net.Listener's fd, and Close releases both the dup and that
	// listener.
	reuseportFile *reuseportHandle
}

type reuseportHandle struct {
	listener net.Listener
}

// NewAcceptor creates an Acceptor bound to addr on loop. It does not
// start listening; call Listen.
func NewAcceptor(loop *EventLoop, addr Address) (*Acceptor, error) {
	fd, err := newNonblockingSocket()
	if err != nil {
		return nil, err
	}
	setReuseAddr(fd, true)
	if err := bindSocket(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return newAcceptorForFD(loop, fd, nil), nil
}

// NewReusePortAcceptor creates an Acceptor whose listening socket is
// bound with SO_REUSEPORT via github.com/kavu/go_reuseport, so several
// reactors — typically one per worker in a ReactorThreadPool — can each
// own an independent listening socket on the same address, letting the
// kernel load-balance incoming SYNs across them instead of relying solely
// on this package's own round-robin TcpServer dispatch.
func NewReusePortAcceptor(loop *EventLoop, addr Address) (*Acceptor, error) {
	ln, err := reuseport.Listen("tcp", addr.String())
	if err != nil {
		return nil, errors.Wrap(err, "netpump: go_reuseport.Listen")
	}
	tcpLN, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, errors.Errorf("netpump: go_reuseport.Listen returned %T, not *net.TCPListener", ln)
	}
	file, err := tcpLN.File()
	if err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "netpump: extract fd from reuseport listener")
	}
	// File dups the listener's fd into a new *os.File with its own
	// finalizer that closes that dup on GC. We take over explicit
	// ownership of the duplicated fd (closed in Acceptor.Close), so
	// disarm the finalizer — otherwise the GC can close our live
	// listening socket out from under the running Acceptor at an
	// arbitrary later time.
	runtime.SetFinalizer(file, nil)
	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		ln.Close()
		return nil, errors.Wrap(err, "netpump: set reuseport listener non-blocking")
	}
	return newAcceptorForFD(loop, fd, &reuseportHandle{listener: ln}), nil
}

func newAcceptorForFD(loop *EventLoop, fd int, rp *reuseportHandle) *Acceptor {
	a := &Acceptor{
		loop:          loop,
		fd:            fd,
		reuseportFile: rp,
	}
	a.channel = NewChannel(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a
}

// SetNewConnectionCallback sets the callback invoked for each accepted
// connection.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.onNewConnection = cb
}

// Listening reports whether Listen has been called.
func (a *Acceptor) Listening() bool { return a.listening }

// Listen starts listening and registers the accept channel with the
// loop's poller. Must be called on the loop goroutine.
func (a *Acceptor) Listen() error {
	if err := listenSocket(a.fd); err != nil {
		return err
	}
	a.listening = true
	a.channel.EnableReading()
	return nil
}

// Close disables and removes the accept channel from the poller, then
// releases the listening fd. Must be called on the loop goroutine.
func (a *Acceptor) Close() error {
	a.channel.DisableAll()
	a.channel.Remove()
	if a.reuseportFile != nil {
		// a.fd is a dup taken via (*net.TCPListener).File, a distinct
		// descriptor from the one reuseportFile.listener owns; both
		// must be closed explicitly, the finalizer that would otherwise
		// reclaim the dup having been disarmed in NewReusePortAcceptor.
		return multierr.Combine(unix.Close(a.fd), a.reuseportFile.listener.Close())
	}
	return unix.Close(a.fd)
}

func (a *Acceptor) handleRead(int64) {
	connFD, peer, err := acceptConn(a.fd)
	if err != nil {
		if err != unix.EAGAIN {
			log.Errorf("netpump: acceptor: accept: %v", err)
		}
		return
	}
	if a.onNewConnection != nil {
		a.onNewConnection(connFD, peer)
	} else {
		unix.Close(connFD)
	}
}
