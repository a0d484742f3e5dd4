package poller

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/reactorcore/netpump/metrics"
)

// Channel lifecycle tags stored in Channel.Index(), ported from the
// original reactor's EPoller: a channel new to this poller, one already
// added via EPOLL_CTL_ADD, and one EPOLL_CTL_DEL'd but still known to the
// owning EventLoop (e.g. mid-removal from a queued task).
const (
	epollNew = iota - 1
	epollAdded
	epollDeleted
)

const initialEventListSize = 16

// epollPoller is the edge-capable back-end. Unlike pollPoller it tracks
// channels purely through the epoll instance itself plus a Go map keyed by
// fd; there is no flat array to compact.
type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]Channel
}

// NewEpoll returns a Poller backed by epoll(7).
func NewEpoll() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &epollPoller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initialEventListSize),
		channels: make(map[int]Channel),
	}, nil
}

func (p *epollPoller) Poll(timeoutMS int, activeChannels []Channel) ([]Channel, int64, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMS)
	returnTime := time.Now().UnixMicro()
	if n < 0 {
		if err == unix.EINTR {
			return activeChannels, returnTime, nil
		}
		return activeChannels, returnTime, err
	}
	for i := 0; i < n; i++ {
		ch, ok := p.channels[int(p.events[i].Fd)]
		if !ok {
			continue
		}
		ch.SetReady(p.events[i].Events)
		activeChannels = append(activeChannels, ch)
	}
	if n > 0 {
		metrics.EpollEvents.Add(float64(n))
	}
	if n == len(p.events) {
		// The kernel may have dropped ready events we had no room to
		// report; double the buffer the way EPoller.cc does so a busy
		// loop converges to its true fan-out within a few iterations.
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return activeChannels, returnTime, nil
}

func (p *epollPoller) UpdateChannel(ch Channel) error {
	switch ch.Index() {
	case epollNew, epollDeleted:
		if ch.Interest() == 0 {
			if ch.Index() == epollDeleted {
				return nil
			}
			ch.SetIndex(epollNew)
			return nil
		}
		if err := p.ctl(unix.EPOLL_CTL_ADD, ch); err != nil {
			return err
		}
		p.channels[ch.FD()] = ch
		ch.SetIndex(epollAdded)
		return nil
	default: // epollAdded
		if ch.Interest() == 0 {
			if err := p.ctl(unix.EPOLL_CTL_DEL, ch); err != nil {
				return err
			}
			delete(p.channels, ch.FD())
			ch.SetIndex(epollDeleted)
			return nil
		}
		return p.ctl(unix.EPOLL_CTL_MOD, ch)
	}
}

func (p *epollPoller) RemoveChannel(ch Channel) error {
	if ch.Interest() != 0 {
		return fmt.Errorf("poller: cannot remove channel fd=%d with non-empty interest", ch.FD())
	}
	if ch.Index() == epollAdded {
		if err := p.ctl(unix.EPOLL_CTL_DEL, ch); err != nil {
			return err
		}
	}
	delete(p.channels, ch.FD())
	ch.SetIndex(epollNew)
	return nil
}

func (p *epollPoller) HasChannel(ch Channel) bool {
	_, ok := p.channels[ch.FD()]
	return ok
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

func (p *epollPoller) ctl(op int, ch Channel) error {
	ev := unix.EpollEvent{
		Events: ch.Interest(),
		Fd:     int32(ch.FD()),
	}
	if err := unix.EpollCtl(p.epfd, op, ch.FD(), &ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl(%d, fd=%d): %w", op, ch.FD(), err)
	}
	return nil
}
