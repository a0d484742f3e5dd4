package netpump

import (
	"golang.org/x/sys/unix"

	"github.com/reactorcore/netpump/log"
)

// Interest describes which readiness bits a Channel wants to be notified
// about. It is an alias for uint32, the bit width golang.org/x/sys/unix
// uses for both poll(2) and epoll_event readiness masks, so Channel can
// satisfy internal/poller's Channel interface without a conversion.
type Interest = uint32

// Interest bitmasks, named abstractly and mapped here onto the epoll/poll
// readiness flags exposed by golang.org/x/sys/unix.
const (
	InterestNone  Interest = 0
	InterestRead  Interest = unix.POLLIN | unix.POLLPRI
	InterestWrite Interest = unix.POLLOUT
)

// ReadyEvent reports which readiness bits a Poller observed for a Channel,
// using the same bit values as Interest plus the error/hangup/invalid bits
// that only ever appear in the ready set, never in the interest set.
type ReadyEvent = uint32

const (
	readyHangup  ReadyEvent = unix.POLLHUP
	readyErr     ReadyEvent = unix.POLLERR
	readyInvalid ReadyEvent = unix.POLLNVAL
	readyRDHup   ReadyEvent = unix.POLLRDHUP
)

// EventCallback is the callback type a Channel invokes for a readiness
// event.
type EventCallback func()

// ReadCallback additionally receives the poller's return timestamp, which
// upper layers (TcpConnection) forward to message callbacks for latency
// accounting.
type ReadCallback func(receiveTime int64)

// Channel binds a single fd to an interest/ready bit pair and up to four
// typed callbacks within one EventLoop. A Channel does not own its fd and
// never closes it; its owner (Acceptor, TcpConnection, TimerQueue, or
// EventLoop's wakeup fd) is responsible for that. A Channel belongs to
// exactly one EventLoop for its entire lifetime.
type Channel struct {
	fd    int
	loop  *EventLoop
	index int // poller-private scratch: array index or lifecycle tag.

	interest Interest
	ready    ReadyEvent

	readCB  ReadCallback
	writeCB EventCallback
	closeCB EventCallback
	errorCB EventCallback
}

// NewChannel creates a Channel for fd owned by loop. The Channel starts
// with no interest and is not yet registered with the poller; call
// EnableReading/EnableWriting (which call through to loop.UpdateChannel)
// to register it.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		fd:    fd,
		loop:  loop,
		index: -1,
	}
}

// FD returns the channel's file descriptor.
func (c *Channel) FD() int { return c.fd }

// Loop returns the EventLoop this channel belongs to.
func (c *Channel) Loop() *EventLoop { return c.loop }

// Interest returns the currently registered interest set.
func (c *Channel) Interest() Interest { return c.interest }

// Index returns the poller-private scratch value (array index for the
// poll back-end, lifecycle tag for the epoll back-end).
func (c *Channel) Index() int { return c.index }

// SetIndex sets the poller-private scratch value. Only the owning Poller
// implementation should call this.
func (c *Channel) SetIndex(i int) { c.index = i }

// SetReady records the readiness bits observed by the poller for this
// channel, for Dispatch to act on.
func (c *Channel) SetReady(ev ReadyEvent) { c.ready = ev }

// IsNoneEvent reports whether the channel currently has no interest
// registered.
func (c *Channel) IsNoneEvent() bool { return c.interest == InterestNone }

// IsWriting reports whether write interest is currently enabled.
func (c *Channel) IsWriting() bool { return c.interest&InterestWrite != 0 }

// IsReading reports whether read interest is currently enabled.
func (c *Channel) IsReading() bool { return c.interest&InterestRead != 0 }

// SetReadCallback sets the read readiness callback.
func (c *Channel) SetReadCallback(cb ReadCallback) { c.readCB = cb }

// SetWriteCallback sets the write readiness callback.
func (c *Channel) SetWriteCallback(cb EventCallback) { c.writeCB = cb }

// SetCloseCallback sets the close callback, fired on a hangup without a
// concurrent readable event.
func (c *Channel) SetCloseCallback(cb EventCallback) { c.closeCB = cb }

// SetErrorCallback sets the error callback.
func (c *Channel) SetErrorCallback(cb EventCallback) { c.errorCB = cb }

// EnableReading adds InterestRead to the channel's interest set and pushes
// the update to the owning loop's poller.
func (c *Channel) EnableReading() {
	c.interest |= InterestRead
	c.update()
}

// EnableWriting adds InterestWrite to the channel's interest set and
// pushes the update to the owning loop's poller.
func (c *Channel) EnableWriting() {
	c.interest |= InterestWrite
	c.update()
}

// DisableWriting removes InterestWrite from the channel's interest set.
func (c *Channel) DisableWriting() {
	c.interest &^= InterestWrite
	c.update()
}

// DisableAll clears the channel's interest set. A channel must reach this
// state before the poller will remove it.
func (c *Channel) DisableAll() {
	c.interest = InterestNone
	c.update()
}

func (c *Channel) update() {
	if err := c.loop.UpdateChannel(c); err != nil {
		log.Errorf("channel: fd=%d update interest=%d: %v", c.fd, c.interest, err)
	}
}

// Remove asks the owning loop to detach this channel from its poller. The
// channel's interest must already be InterestNone.
func (c *Channel) Remove() {
	if err := c.loop.RemoveChannel(c); err != nil {
		log.Errorf("channel: fd=%d remove: %v", c.fd, err)
	}
}

// Dispatch fans the ready bits recorded by SetReady out to the channel's
// callbacks, in a fixed order: invalid-fd warning, then close, then error,
// then read, then write. receiveTime is the poller's return timestamp
// (microseconds since epoch), forwarded to the read callback for latency
// measurement.
func (c *Channel) Dispatch(receiveTime int64) {
	if c.ready&readyInvalid != 0 {
		log.Warnf("channel: fd=%d got POLLNVAL, misuse of a closed or invalid fd", c.fd)
	}
	if c.ready&readyHangup != 0 && c.ready&uint32(InterestRead) == 0 {
		if c.closeCB != nil {
			c.closeCB()
		}
	}
	if c.ready&(readyErr|readyInvalid) != 0 {
		if c.errorCB != nil {
			c.errorCB()
		}
	}
	if c.ready&(uint32(InterestRead)|readyRDHup) != 0 {
		if c.readCB != nil {
			c.readCB(receiveTime)
		}
	}
	if c.ready&uint32(InterestWrite) != 0 {
		if c.writeCB != nil {
			c.writeCB()
		}
	}
}

