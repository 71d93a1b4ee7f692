package evloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// event is one readiness report from the poller.
type event struct {
	fd       int
	readable bool
	writable bool
	failed   bool
}

// poller wraps a level-triggered epoll instance.
type poller struct {
	epfd   int
	events []unix.EpollEvent
	buf    []event
}

const maxEvents = 128

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &poller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
		buf:    make([]event, 0, maxEvents),
	}, nil
}

func interestMask(read, write bool) uint32 {
	// EPOLLERR and EPOLLHUP are always reported, no need to request them.
	var mask uint32
	if read {
		mask |= unix.EPOLLIN
	}
	if write {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *poller) add(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: interestMask(read, write), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (p *poller) mod(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: interestMask(read, write), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

func (p *poller) del(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// wait blocks until at least one descriptor is ready or the timeout
// elapses. A negative timeout blocks indefinitely. The returned slice is
// reused across calls.
func (p *poller) wait(timeout time.Duration) ([]event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		// Round up so a 100µs timeout doesn't become a busy loop.
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}

	n, err := unix.EpollWait(p.epfd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	p.buf = p.buf[:0]
	for i := 0; i < n; i++ {
		ev := p.events[i]
		p.buf = append(p.buf, event{
			fd:       int(ev.Fd),
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			failed:   ev.Events&unix.EPOLLERR != 0,
		})
	}
	return p.buf, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
