//go:build linux

package network

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

const epollRDHUP = 0x2000 // EPOLLRDHUP, absent from the syscall package

// epollPoller demultiplexes readiness through a level-triggered epoll
// instance. Peer half-closes surface as EPOLLRDHUP so a dead subscriber is
// torn down without waiting for a write to fail.
type epollPoller struct {
	epfd  int
	watch *watchSet
	ready []syscall.EpollEvent
}

func NewPoller(config *PollerConfig) (Poller, error) {
	if config == nil {
		config = DefaultPollerConfig()
	}

	epfd, err := syscall.EpollCreate1(syscall.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	return &epollPoller{
		epfd:  epfd,
		watch: newWatchSet(),
		ready: make([]syscall.EpollEvent, config.MaxEvents),
	}, nil
}

func (p *epollPoller) Backend() string { return "epoll" }

func (p *epollPoller) interestMask(events EventType) uint32 {
	mask := uint32(epollRDHUP)
	if events&EventRead != 0 {
		mask |= uint32(syscall.EPOLLIN)
	}
	if events&EventWrite != 0 {
		mask |= uint32(syscall.EPOLLOUT)
	}
	return mask
}

func (p *epollPoller) ctl(op int, conn *Connection, events EventType) error {
	fd, err := rawFd(conn)
	if err != nil {
		return err
	}

	ev := syscall.EpollEvent{Events: p.interestMask(events), Fd: int32(fd)}
	if err := syscall.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl: %w", err)
	}

	if op == syscall.EPOLL_CTL_ADD {
		p.watch.track(fd, conn)
	}
	return nil
}

func (p *epollPoller) Add(conn *Connection, events EventType) error {
	if p.watch.isShut() {
		return ErrReactorClosed
	}
	return p.ctl(syscall.EPOLL_CTL_ADD, conn, events)
}

func (p *epollPoller) Modify(conn *Connection, events EventType) error {
	if p.watch.isShut() {
		return ErrReactorClosed
	}
	return p.ctl(syscall.EPOLL_CTL_MOD, conn, events)
}

func (p *epollPoller) Remove(conn *Connection) error {
	fd := p.watch.forget(conn)
	if fd < 0 {
		return nil
	}

	if err := syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil &&
		err != syscall.ENOENT && err != syscall.EBADF {
		return fmt.Errorf("epoll_ctl del: %w", err)
	}
	return nil
}

func (p *epollPoller) Wait(timeout time.Duration) ([]*Event, error) {
	if p.watch.isShut() {
		return nil, ErrReactorClosed
	}

	ms := int(timeout.Milliseconds())
	if timeout < 0 {
		ms = -1
	}

	n, err := syscall.EpollWait(p.epfd, p.ready, ms)
	if err != nil {
		if errors.Is(err, syscall.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	out := make([]*Event, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.ready[i].Fd)
		conn, ok := p.watch.lookup(fd)
		if !ok {
			continue
		}

		ev := &Event{Fd: fd, Conn: conn}
		if p.ready[i].Events&(syscall.EPOLLERR|syscall.EPOLLHUP) != 0 {
			ev.Error = ErrConnectionClosed
		}
		out = append(out, ev)
	}

	// A full ready buffer means the wait set outgrew it; double it so no
	// connection starves on the next round.
	if n == len(p.ready) {
		p.ready = make([]syscall.EpollEvent, 2*len(p.ready))
	}

	return out, nil
}

func (p *epollPoller) Close() error {
	if !p.watch.shut() {
		return nil
	}
	return syscall.Close(p.epfd)
}
