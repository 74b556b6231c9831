package netpoll

import (
	"time"

	"golang.org/x/sys/unix"

	"cvpn/internal/domain"
)

// EpollPoller multiplexes readiness over a small fixed set of fds (a
// listener, or a session's two sockets). Registration is
// level-triggered so a partially drained socket stays ready.
type EpollPoller struct {
	epollFD int
}

func New() (*EpollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EpollPoller{epollFD: fd}, nil
}

func (p *EpollPoller) Add(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one registered fd is ready or the timeout
// expires. A nil slice with nil error is a tick: nothing ready.
func (p *EpollPoller) Wait(timeout time.Duration) ([]domain.ReadyEvent, error) {
	events := make([]unix.EpollEvent, 8)
	for {
		n, err := unix.EpollWait(p.epollFD, events, int(timeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}

		ready := make([]domain.ReadyEvent, 0, n)
		for i := 0; i < n; i++ {
			var ev domain.EventType
			mask := events[i].Events
			if mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				ev |= domain.EventRead
			}
			if mask&unix.EPOLLOUT != 0 {
				ev |= domain.EventWrite
			}
			ready = append(ready, domain.ReadyEvent{FD: int(events[i].Fd), Events: ev})
		}
		return ready, nil
	}
}

func (p *EpollPoller) Close() error {
	return unix.Close(p.epollFD)
}
