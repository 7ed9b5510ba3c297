//go:build !linux && !darwin

package network

import (
	"sync/atomic"
	"time"
)

// sweepPoller stands in on platforms without epoll or kqueue: every
// registered connection is reported ready on each wait, and the reactor
// bounds the resulting reads with short deadlines (see Reactor.readStep).
// Synthetic descriptors keep the bookkeeping uniform when the transport
// exposes no fd at all.
type sweepPoller struct {
	watch       *watchSet
	syntheticFd atomic.Int64
}

func NewPoller(config *PollerConfig) (Poller, error) {
	return &sweepPoller{watch: newWatchSet()}, nil
}

func (p *sweepPoller) Backend() string { return "sweep" }

func (p *sweepPoller) Add(conn *Connection, events EventType) error {
	if p.watch.isShut() {
		return ErrReactorClosed
	}

	fd, err := rawFd(conn)
	if err != nil {
		fd = -int(p.syntheticFd.Add(1))
	}
	p.watch.track(fd, conn)
	return nil
}

func (p *sweepPoller) Modify(conn *Connection, events EventType) error {
	return nil
}

func (p *sweepPoller) Remove(conn *Connection) error {
	p.watch.forget(conn)
	return nil
}

// Wait pauses briefly, then reports the whole wait set as readable. The
// pause is capped well below the configured timeout so keep-alive and
// retransmit ticks stay on schedule.
func (p *sweepPoller) Wait(timeout time.Duration) ([]*Event, error) {
	if p.watch.isShut() {
		return nil, ErrReactorClosed
	}

	pause := timeout
	if pause < 0 || pause > 50*time.Millisecond {
		pause = 50 * time.Millisecond
	}
	time.Sleep(pause)

	if p.watch.isShut() {
		return nil, ErrReactorClosed
	}
	return p.watch.snapshot(), nil
}

func (p *sweepPoller) Close() error {
	p.watch.shut()
	return nil
}
