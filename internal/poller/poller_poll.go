package poller

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller is the level-triggered back-end, a direct port of the
// original reactor's Poller (poll(2)-based): a flat pollfd array plus a
// map from fd to the Channel that owns it. A channel with no interest is
// not removed from pollfds immediately; instead its fd is flipped to its
// one's-complement so poll(2) ignores it while the slot is reused in
// place the next time that channel re-registers interest, avoiding a
// remove/re-append pair on the hot path of toggling write interest.
type pollPoller struct {
	pollfds  []unix.PollFd
	channels map[int]Channel
}

// NewPoll returns a Poller backed by poll(2).
func NewPoll() Poller {
	return &pollPoller{
		channels: make(map[int]Channel),
	}
}

func (p *pollPoller) Poll(timeoutMS int, activeChannels []Channel) ([]Channel, int64, error) {
	n, err := unix.Poll(p.pollfds, timeoutMS)
	returnTime := time.Now().UnixMicro()
	if n < 0 {
		if err == unix.EINTR {
			return activeChannels, returnTime, nil
		}
		return activeChannels, returnTime, err
	}
	if n == 0 {
		return activeChannels, returnTime, nil
	}
	for i := 0; i < len(p.pollfds) && n > 0; i++ {
		pfd := &p.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		n--
		ch, ok := p.channels[int(pfd.Fd)]
		if !ok {
			continue
		}
		ch.SetReady(uint32(pfd.Revents))
		activeChannels = append(activeChannels, ch)
	}
	return activeChannels, returnTime, nil
}

func (p *pollPoller) UpdateChannel(ch Channel) error {
	idx := ch.Index()
	if idx < 0 {
		if ch.Interest() == 0 {
			return nil
		}
		p.pollfds = append(p.pollfds, unix.PollFd{
			Fd:     int32(ch.FD()),
			Events: int16(ch.Interest()),
		})
		ch.SetIndex(len(p.pollfds) - 1)
		p.channels[ch.FD()] = ch
		return nil
	}
	if idx >= len(p.pollfds) {
		return fmt.Errorf("poller: channel index %d out of range", idx)
	}
	pfd := &p.pollfds[idx]
	pfd.Events = int16(ch.Interest())
	pfd.Revents = 0
	if ch.Interest() == 0 {
		// Ignore this slot without disturbing its position: negating
		// fd+1 makes poll(2) skip it, and Fd can be restored to its
		// real value in O(1) the next time interest becomes non-zero.
		pfd.Fd = int32(-ch.FD() - 1)
	} else {
		pfd.Fd = int32(ch.FD())
	}
	return nil
}

func (p *pollPoller) RemoveChannel(ch Channel) error {
	if ch.Interest() != 0 {
		return fmt.Errorf("poller: cannot remove channel fd=%d with non-empty interest", ch.FD())
	}
	idx := ch.Index()
	if idx < 0 || idx >= len(p.pollfds) {
		return fmt.Errorf("poller: channel index %d out of range", idx)
	}
	delete(p.channels, ch.FD())
	last := len(p.pollfds) - 1
	if idx != last {
		p.pollfds[idx] = p.pollfds[last]
		movedFD := int(p.pollfds[idx].Fd)
		if movedFD < 0 {
			movedFD = -movedFD - 1
		}
		if moved, ok := p.channels[movedFD]; ok {
			moved.SetIndex(idx)
		}
	}
	p.pollfds = p.pollfds[:last]
	ch.SetIndex(-1)
	return nil
}

func (p *pollPoller) HasChannel(ch Channel) bool {
	_, ok := p.channels[ch.FD()]
	return ok
}

func (p *pollPoller) Close() error {
	return nil
}
