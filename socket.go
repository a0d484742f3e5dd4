package netpump

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// newNonblockingSocket creates a non-blocking, close-on-exec IPv4 TCP
// socket, equivalent to the original reactor's createNonblocking().
func newNonblockingSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "netpump: socket")
	}
	return fd, nil
}

// acceptConn accepts one pending connection off listenFD, returning the
// new non-blocking, close-on-exec connection fd and the peer's address.
// It falls back from accept4 to accept+fcntl the same way Go's own
// internal/poll does, for kernels old enough to lack accept4.
func acceptConn(listenFD int) (int, Address, error) {
	connFD, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	switch err {
	case nil:
		return connFD, addressFromSockaddr(sa), nil
	case syscall.ENOSYS, syscall.EINVAL, syscall.EACCES, syscall.EFAULT:
		// accept4 missing or rejected; fall through to accept+fcntl.
	default:
		return -1, Address{}, err
	}

	connFD, sa, err = unix.Accept(listenFD)
	if err != nil {
		return -1, Address{}, err
	}
	syscall.CloseOnExec(connFD)
	if err := syscall.SetNonblock(connFD, true); err != nil {
		unix.Close(connFD)
		return -1, Address{}, err
	}
	return connFD, addressFromSockaddr(sa), nil
}

func bindSocket(fd int, addr Address) error {
	return errors.Wrap(unix.Bind(fd, addr.sockaddr()), "netpump: bind")
}

func listenSocket(fd int) error {
	return errors.Wrap(unix.Listen(fd, unix.SOMAXCONN), "netpump: listen")
}

func connectSocket(fd int, addr Address) error {
	return unix.Connect(fd, addr.sockaddr())
}

func setReuseAddr(fd int, on bool) {
	setBoolSockopt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, on)
}

func setTCPNoDelay(fd int, on bool) {
	setBoolSockopt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, on)
}

func setKeepAlive(fd int, on bool) {
	setBoolSockopt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, on)
}

func setBoolSockopt(fd, level, opt int, on bool) {
	v := 0
	if on {
		v = 1
	}
	unix.SetsockoptInt(fd, level, opt, v)
}

// shutdownWrite half-closes fd's write side, letting a TcpConnection
// finish flushing its send buffer while still being able to read
// whatever the peer has left to send.
func shutdownWrite(fd int) error {
	return errors.Wrap(unix.Shutdown(fd, unix.SHUT_WR), "netpump: shutdown(SHUT_WR)")
}

// socketError returns the pending SO_ERROR on fd, the same check the
// original reactor's getSocketError performs from a Channel's error
// callback to learn what went wrong.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return syscall.Errno(errno)
}
