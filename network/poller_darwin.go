//go:build darwin

package network

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

// kqueuePoller demultiplexes readiness through kqueue. EV_EOF on a read
// filter marks the peer gone.
type kqueuePoller struct {
	kqfd  int
	watch *watchSet
	ready []syscall.Kevent_t
}

func NewPoller(config *PollerConfig) (Poller, error) {
	if config == nil {
		config = DefaultPollerConfig()
	}

	kqfd, err := syscall.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}

	return &kqueuePoller{
		kqfd:  kqfd,
		watch: newWatchSet(),
		ready: make([]syscall.Kevent_t, config.MaxEvents),
	}, nil
}

func (p *kqueuePoller) Backend() string { return "kqueue" }

func (p *kqueuePoller) filters(fd int, events EventType, flags uint16) []syscall.Kevent_t {
	changes := make([]syscall.Kevent_t, 0, 2)
	if events&EventRead != 0 {
		changes = append(changes, syscall.Kevent_t{
			Ident:  uint64(fd),
			Filter: syscall.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		changes = append(changes, syscall.Kevent_t{
			Ident:  uint64(fd),
			Filter: syscall.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return changes
}

func (p *kqueuePoller) Add(conn *Connection, events EventType) error {
	if p.watch.isShut() {
		return ErrReactorClosed
	}

	fd, err := rawFd(conn)
	if err != nil {
		return err
	}

	changes := p.filters(fd, events, syscall.EV_ADD|syscall.EV_ENABLE)
	if len(changes) > 0 {
		if _, err := syscall.Kevent(p.kqfd, changes, nil, nil); err != nil {
			return fmt.Errorf("kevent add: %w", err)
		}
	}

	p.watch.track(fd, conn)
	return nil
}

func (p *kqueuePoller) Modify(conn *Connection, events EventType) error {
	return p.Add(conn, events)
}

func (p *kqueuePoller) Remove(conn *Connection) error {
	fd := p.watch.forget(conn)
	if fd < 0 {
		return nil
	}

	// The filter dies with the fd anyway; errors here are expected after a
	// close and carry no information.
	changes := p.filters(fd, EventRead|EventWrite, syscall.EV_DELETE)
	syscall.Kevent(p.kqfd, changes, nil, nil)
	return nil
}

func (p *kqueuePoller) Wait(timeout time.Duration) ([]*Event, error) {
	if p.watch.isShut() {
		return nil, ErrReactorClosed
	}

	var ts *syscall.Timespec
	if timeout >= 0 {
		t := syscall.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := syscall.Kevent(p.kqfd, nil, p.ready, ts)
	if err != nil {
		if errors.Is(err, syscall.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("kevent wait: %w", err)
	}

	out := make([]*Event, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.ready[i].Ident)
		conn, ok := p.watch.lookup(fd)
		if !ok {
			continue
		}

		ev := &Event{Fd: fd, Conn: conn}
		if p.ready[i].Flags&syscall.EV_EOF != 0 {
			ev.Error = ErrConnectionClosed
		}
		out = append(out, ev)
	}

	if n == len(p.ready) {
		p.ready = make([]syscall.Kevent_t, 2*len(p.ready))
	}

	return out, nil
}

func (p *kqueuePoller) Close() error {
	if !p.watch.shut() {
		return nil
	}
	return syscall.Close(p.kqfd)
}
