package netpump

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Address is a numeric IPv4 socket address: a 4-byte address plus a
// 16-bit port, the payload a sockaddr_in carries. Hostname resolution is
// explicitly out of scope (see spec non-goals) — callers resolve with
// net.ResolveTCPAddr or equivalent before constructing an Address.
type Address struct {
	ip   [4]byte
	port uint16
}

// NewAddress builds an Address from a dotted-quad IPv4 string and a port.
// It returns an error if ip does not parse as IPv4.
func NewAddress(ip string, port uint16) (Address, error) {
	parsed := net.ParseIP(ip)
	v4 := parsed.To4()
	if v4 == nil {
		return Address{}, errors.Errorf("netpump: %q is not a numeric IPv4 address", ip)
	}
	var a Address
	copy(a.ip[:], v4)
	a.port = port
	return a, nil
}

// AnyAddress returns the wildcard (INADDR_ANY) address for port, suitable
// for a listening socket that accepts on every local interface.
func AnyAddress(port uint16) Address {
	return Address{port: port}
}

// String renders the address as "host:port".
func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.ip[0], a.ip[1], a.ip[2], a.ip[3], a.port)
}

// Port returns the address's port in host byte order.
func (a Address) Port() uint16 { return a.port }

// sockaddr converts the Address into the unix.SockaddrInet4 accept/
// bind/connect expect.
func (a Address) sockaddr() *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Addr: a.ip, Port: int(a.port)}
}

// addressFromSockaddr converts a raw sockaddr returned by accept4/
// getsockname/getpeername back into an Address. Non-IPv4 addresses
// (which should not occur, since every socket this package creates is
// AF_INET) produce the zero Address.
func addressFromSockaddr(sa unix.Sockaddr) Address {
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return Address{}
	}
	a := Address{port: uint16(v4.Port)}
	copy(a.ip[:], v4.Addr[:])
	return a
}

// localAddress returns the address a bound/connected socket is using
// locally.
func localAddress(fd int) (Address, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return Address{}, errors.Wrap(err, "netpump: getsockname")
	}
	return addressFromSockaddr(sa), nil
}

// peerAddress returns the address a connected socket's peer is using.
func peerAddress(fd int) (Address, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return Address{}, errors.Wrap(err, "netpump: getpeername")
	}
	return addressFromSockaddr(sa), nil
}

// isSelfConnect reports whether a non-blocking connect looped back to
// itself — possible on Linux when the ephemeral source port the kernel
// picked collides with the destination port on loopback.
func isSelfConnect(fd int) bool {
	local, err := localAddress(fd)
	if err != nil {
		return false
	}
	peer, err := peerAddress(fd)
	if err != nil {
		return false
	}
	return local.port == peer.port && local.ip == peer.ip
}
