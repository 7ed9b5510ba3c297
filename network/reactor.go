package network

import (
	"errors"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/myqtt/myqtt/encoding"
	"github.com/myqtt/myqtt/pkg/logger"
)

// DefaultWorkers is the worker pool base size, overridable through the
// MYQTT_THREADS environment variable.
const DefaultWorkers = 5

// FrameHandler processes one decoded frame on a worker. It is the only code
// that mutates domain-level state for the connection.
type FrameHandler func(conn *Connection, pkt encoding.Packet)

// CloseHandler runs when the reactor tears a connection down.
type CloseHandler func(conn *Connection, reason CloseReason)

// ReactorConfig tunes the reactor loop and its worker pool.
type ReactorConfig struct {
	Poller       *PollerConfig
	Workers      int
	WaitTimeout  time.Duration
	TickInterval time.Duration
	ReadBufSize  int

	// Elastic worker-pool resize. When AutoResize is set, every
	// AddPeriod the pool grows by AddStep workers if none are idle and
	// work is queued, up to HardLimit; with AutoRemove, after the queue
	// has stayed empty for RemovePeriod the pool shrinks by RemoveStep
	// down to the base size.
	AutoResize   bool
	AutoRemove   bool
	AddPeriod    time.Duration
	AddStep      int
	RemovePeriod time.Duration
	RemoveStep   int
	HardLimit    int
}

// DefaultReactorConfig resolves worker count from MYQTT_THREADS.
func DefaultReactorConfig() *ReactorConfig {
	workers := DefaultWorkers
	if env := os.Getenv("MYQTT_THREADS"); env != "" {
		if n, err := strconv.Atoi(env); err == nil && n > 0 {
			workers = n
		}
	}
	return &ReactorConfig{
		Poller:       DefaultPollerConfig(),
		Workers:      workers,
		WaitTimeout:  500 * time.Millisecond,
		TickInterval: 100 * time.Millisecond,
		ReadBufSize:  4096,
		AddPeriod:    time.Second,
		AddStep:      1,
		RemovePeriod: 10 * time.Second,
		RemoveStep:   1,
		HardLimit:    40,
	}
}

// connDispatch serializes frame handling per connection: while a frame for
// a connection is being handled, further frames queue here and are handed
// to the pool only after the handler returns. This preserves per-connection
// frame order across a multi-worker pool.
type connDispatch struct {
	mu      sync.Mutex
	pending []encoding.Packet
	running bool
}

// Reactor is the single-threaded readiness loop. It reads socket bytes into
// per-connection buffers, decodes complete frames, and hands them to the
// worker pool; it never executes user callbacks itself.
type Reactor struct {
	config *ReactorConfig
	poller Poller
	pool   *ants.Pool
	events *EventQueue
	log    *logger.Logger

	handler FrameHandler
	onClose CloseHandler

	// sweep marks the emulated-readiness backend: reads must be bounded
	// by a deadline because the poller cannot guarantee data is waiting.
	sweep bool

	mu       sync.Mutex
	conns    map[uint64]*Connection
	dispatch map[uint64]*connDispatch

	wakeCh  chan struct{}
	exiting atomic.Bool
	wg      sync.WaitGroup
}

// NewReactor creates a reactor with its poller and worker pool.
func NewReactor(config *ReactorConfig, handler FrameHandler, onClose CloseHandler, log *logger.Logger) (*Reactor, error) {
	if config == nil {
		config = DefaultReactorConfig()
	}
	if log == nil {
		log = logger.Default()
	}

	poller, err := NewPoller(config.Poller)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(config.Workers, ants.WithNonblocking(false))
	if err != nil {
		poller.Close()
		return nil, err
	}

	log.Debug("reactor init", "backend", poller.Backend(), "workers", config.Workers)

	r := &Reactor{
		config:   config,
		poller:   poller,
		pool:     pool,
		events:   NewEventQueue(),
		log:      log,
		handler:  handler,
		onClose:  onClose,
		sweep:    poller.Backend() == "sweep",
		conns:    make(map[uint64]*Connection),
		dispatch: make(map[uint64]*connDispatch),
		wakeCh:   make(chan struct{}, 1),
	}

	if config.AutoResize {
		r.armPoolResizer()
	}

	return r, nil
}

// armPoolResizer schedules the elastic worker-pool policy on the event
// queue: grow when saturated, shrink after a sustained idle period.
func (r *Reactor) armPoolResizer() {
	base := r.config.Workers
	var idleSince time.Time

	r.events.Schedule(r.config.AddPeriod, func(now time.Time) bool {
		capNow := r.pool.Cap()

		if r.pool.Free() == 0 && r.pool.Waiting() > 0 {
			idleSince = time.Time{}
			if capNow < r.config.HardLimit {
				next := capNow + r.config.AddStep
				if next > r.config.HardLimit {
					next = r.config.HardLimit
				}
				r.pool.Tune(next)
				r.log.Debug("worker pool grown", "workers", next)
			}
			return false
		}

		if !r.config.AutoRemove || capNow <= base {
			return false
		}

		if r.pool.Waiting() > 0 {
			idleSince = time.Time{}
			return false
		}
		if idleSince.IsZero() {
			idleSince = now
			return false
		}
		if now.Sub(idleSince) >= r.config.RemovePeriod {
			next := capNow - r.config.RemoveStep
			if next < base {
				next = base
			}
			r.pool.Tune(next)
			idleSince = now
			r.log.Debug("worker pool shrunk", "workers", next)
		}
		return false
	})
}

// Events exposes the scheduled-event queue (ACK retransmit timers,
// keep-alive checks).
func (r *Reactor) Events() *EventQueue {
	return r.events
}

// Backend reports the selected poller backend.
func (r *Reactor) Backend() string {
	return r.poller.Backend()
}

// Register adds a connection to the wait set.
func (r *Reactor) Register(conn *Connection) error {
	if r.exiting.Load() {
		return ErrReactorClosed
	}

	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.dispatch[conn.ID()] = &connDispatch{}
	r.mu.Unlock()

	if err := r.poller.Add(conn, EventRead); err != nil {
		if errors.Is(err, syscall.ENOTSUP) {
			// Transports without a raw descriptor (WebSocket sessions) get
			// a dedicated blocking reader instead of poller readiness.
			r.wg.Add(1)
			go r.readDriven(conn)
			return nil
		}
		r.mu.Lock()
		delete(r.conns, conn.ID())
		delete(r.dispatch, conn.ID())
		r.mu.Unlock()
		return err
	}

	r.Wake()
	return nil
}

// readDriven services one fd-less connection with blocking reads. Frames
// flow through the same per-connection dispatch as poller-driven reads.
func (r *Reactor) readDriven(conn *Connection) {
	defer r.wg.Done()

	for !r.exiting.Load() {
		select {
		case <-conn.CloseChan():
			return
		default:
		}
		r.readStep(conn)
	}
}

// Unregister removes a connection from the wait set without closing it,
// used to move a bootstrap connection into its domain's reactor.
func (r *Reactor) Unregister(conn *Connection) {
	r.poller.Remove(conn)
	r.mu.Lock()
	delete(r.conns, conn.ID())
	delete(r.dispatch, conn.ID())
	r.mu.Unlock()
}

// Wake nudges the reactor out of its wait, the self-pipe of the C world.
func (r *Reactor) Wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Run drives the reactor until Shutdown. It must be called from exactly one
// goroutine.
func (r *Reactor) Run() {
	r.wg.Add(1)
	defer r.wg.Done()

	lastTick := time.Now()

	for !r.exiting.Load() {
		events, err := r.poller.Wait(r.config.WaitTimeout)
		if err != nil {
			if r.exiting.Load() {
				return
			}
			r.log.Error("poller wait", "err", err)
			continue
		}

		for _, ev := range events {
			if ev.Error != nil {
				r.teardown(ev.Conn, CloseUnnotified)
				continue
			}
			r.readStep(ev.Conn)
		}

		select {
		case <-r.wakeCh:
		default:
		}

		if now := time.Now(); now.Sub(lastTick) >= r.config.TickInterval {
			lastTick = now
			r.events.RunDue(now)
		}
	}
}

// readStep performs one non-blocking receive for a ready connection,
// feeding the stream decoder and dispatching every complete frame.
func (r *Reactor) readStep(conn *Connection) {
	buf := make([]byte, r.config.ReadBufSize)

	if r.sweep {
		conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	}

	n, err := conn.Read(buf)
	if n > 0 {
		conn.Decoder.Feed(buf[:n])
	}
	if err != nil {
		if err == io.EOF || err == ErrConnectionClosed {
			// Socket dropped mid-frame is a protocol error; a clean close
			// between frames is an unnotified close.
			if conn.Decoder.Pending() > 0 {
				r.teardown(conn, CloseProtocolError)
			} else {
				r.teardown(conn, CloseUnnotified)
			}
			return
		}
		if isTemporary(err) {
			return
		}
		r.teardown(conn, CloseUnnotified)
		return
	}

	for {
		pkt, derr := conn.Decoder.Next()
		if derr == encoding.ErrNeedMore {
			return
		}
		if derr != nil {
			r.log.Debug("protocol error", "conn", conn.ID(), "err", derr)
			r.teardown(conn, CloseProtocolError)
			return
		}
		r.enqueue(conn, pkt)
	}
}

// enqueue hands a frame to the worker pool, serialized per connection.
func (r *Reactor) enqueue(conn *Connection, pkt encoding.Packet) {
	r.mu.Lock()
	cd := r.dispatch[conn.ID()]
	r.mu.Unlock()
	if cd == nil {
		return
	}

	cd.mu.Lock()
	cd.pending = append(cd.pending, pkt)
	start := !cd.running
	if start {
		cd.running = true
	}
	cd.mu.Unlock()

	if start {
		r.submit(conn, cd)
	}
}

func (r *Reactor) submit(conn *Connection, cd *connDispatch) {
	err := r.pool.Submit(func() {
		for {
			cd.mu.Lock()
			if len(cd.pending) == 0 {
				cd.running = false
				cd.mu.Unlock()
				return
			}
			pkt := cd.pending[0]
			cd.pending = cd.pending[1:]
			cd.mu.Unlock()

			r.safeHandle(conn, pkt)
		}
	})
	if err != nil {
		cd.mu.Lock()
		cd.running = false
		cd.pending = nil
		cd.mu.Unlock()
		r.teardown(conn, CloseForced)
	}
}

// safeHandle runs the frame handler, catching panics at the dispatch
// boundary: the offending connection is closed but the reactor survives.
func (r *Reactor) safeHandle(conn *Connection, pkt encoding.Packet) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in frame handler", "conn", conn.ID(), "panic", rec,
				"stack", string(debug.Stack()))
			r.teardown(conn, CloseForced)
		}
	}()

	r.handler(conn, pkt)
}

// teardown removes and closes a connection, reporting the reason once.
func (r *Reactor) teardown(conn *Connection, reason CloseReason) {
	r.mu.Lock()
	_, known := r.conns[conn.ID()]
	delete(r.conns, conn.ID())
	delete(r.dispatch, conn.ID())
	r.mu.Unlock()

	if !known {
		return
	}

	r.poller.Remove(conn)
	conn.Close(reason)

	if r.onClose != nil {
		// Close handling (will delivery, session detach) belongs on a
		// worker, not the reactor thread.
		reason := conn.Reason()
		if err := r.pool.Submit(func() { r.onClose(conn, reason) }); err != nil {
			r.onClose(conn, reason)
		}
	}
}

// CloseConn tears a registered connection down with the given reason.
func (r *Reactor) CloseConn(conn *Connection, reason CloseReason) {
	r.teardown(conn, reason)
}

// ConnCount returns the number of registered connections.
func (r *Reactor) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Shutdown stops the loop, closes every connection and releases the pool.
func (r *Reactor) Shutdown() {
	if !r.exiting.CompareAndSwap(false, true) {
		return
	}

	r.Wake()

	// Connections close before the goroutine join: read-driven readers
	// only return once their transport is gone.
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		r.teardown(conn, CloseForced)
	}

	r.wg.Wait()
	r.poller.Close()
	r.pool.Release()
}

func isTemporary(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok && te.Timeout() {
		return true
	}
	type temporary interface{ Temporary() bool }
	if te, ok := err.(temporary); ok {
		return te.Temporary()
	}
	return false
}
