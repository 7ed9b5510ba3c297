package network

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myqtt/myqtt/encoding"
)

// ConnectionState is the transport-level lifecycle of one connection.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateClosing
	StateClosed
)

// Role distinguishes the three connection kinds the engine tracks.
type Role int

const (
	RoleInitiator Role = iota
	RoleListener
	RoleMasterListener
)

// Connection wraps one accepted or dialed socket. The reactor owns the read
// side; workers own the write side under the connection's mutex. The send
// and receive paths go through swappable function values so a TLS upgrade
// can replace them after the handshake.
type Connection struct {
	conn         net.Conn
	id           uint64
	role         Role
	state        atomic.Int32
	lastActivity atomic.Int64

	// Decoder accumulates partial frames between reactor wake-ups.
	Decoder *encoding.StreamDecoder

	// send and recv are the active transport functions; swapped on TLS
	// upgrade.
	send func(b []byte) (int, error)
	recv func(b []byte) (int, error)

	tlsConn *tls.Conn
	isTLS   bool

	writeMu sync.Mutex

	closeOnce   sync.Once
	closeCh     chan struct{}
	closeReason atomic.Int32

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64

	writeDeadline time.Duration
}

// ConnectionConfig carries transport tuning for new connections.
type ConnectionConfig struct {
	WriteDeadline time.Duration
	TCPKeepAlive  time.Duration
}

var connSeq atomic.Uint64

// NewConnection wraps an accepted socket.
func NewConnection(conn net.Conn, role Role, cfg *ConnectionConfig) *Connection {
	if cfg == nil {
		cfg = &ConnectionConfig{
			WriteDeadline: 30 * time.Second,
			TCPKeepAlive:  30 * time.Second,
		}
	}

	c := &Connection{
		conn:          conn,
		id:            connSeq.Add(1),
		role:          role,
		Decoder:       encoding.NewStreamDecoder(nil),
		closeCh:       make(chan struct{}),
		writeDeadline: cfg.WriteDeadline,
	}

	c.send = conn.Write
	c.recv = conn.Read

	c.state.Store(int32(StateConnected))
	c.touch()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		c.tlsConn = tlsConn
		c.isTLS = true
	}

	if cfg.TCPKeepAlive > 0 {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(cfg.TCPKeepAlive)
		}
	}

	return c
}

func (c *Connection) ID() uint64          { return c.id }
func (c *Connection) Role() Role          { return c.role }
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *Connection) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Connection) IsTLS() bool          { return c.isTLS }

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// NetConn exposes the underlying socket for the TLS upgrade path.
func (c *Connection) NetConn() net.Conn {
	return c.conn
}

// UpgradeTLS replaces the transport with the completed TLS session. The
// send/receive function values are swapped; buffered plaintext already
// decoded is unaffected.
func (c *Connection) UpgradeTLS(tlsConn *tls.Conn) {
	c.tlsConn = tlsConn
	c.isTLS = true
	c.send = tlsConn.Write
	c.recv = tlsConn.Read
}

// ServerName returns the SNI carried by the TLS handshake, or "".
func (c *Connection) ServerName() string {
	if c.tlsConn == nil {
		return ""
	}
	return c.tlsConn.ConnectionState().ServerName
}

// Read performs one transport read. Any inbound byte counts as activity for
// the keep-alive tracker.
func (c *Connection) Read(b []byte) (int, error) {
	if c.State() != StateConnected {
		return 0, ErrConnectionClosed
	}

	n, err := c.recv(b)
	if n > 0 {
		c.bytesRead.Add(uint64(n))
		c.touch()
	}
	return n, err
}

// SetReadDeadline bounds the next Read. The reactor applies it on the
// sweep poller backend, where readiness is emulated and a read may find
// nothing waiting.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Write serializes writes from concurrent workers onto the transport.
func (c *Connection) Write(b []byte) (int, error) {
	if c.State() != StateConnected {
		return 0, ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeDeadline > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeDeadline))
	}

	n, err := c.send(b)
	if n > 0 {
		c.bytesWritten.Add(uint64(n))
	}
	return n, err
}

// WritePacket encodes and writes one control packet.
func (c *Connection) WritePacket(pkt encoding.Packet) error {
	var buf encodeBuffer
	if err := pkt.Encode(&buf); err != nil {
		return err
	}
	_, err := c.Write(buf.b)
	return err
}

type encodeBuffer struct{ b []byte }

func (e *encodeBuffer) Write(p []byte) (int, error) {
	e.b = append(e.b, p...)
	return len(p), nil
}

// Close shuts the transport down once, recording the first reason given.
// Subsequent calls are no-ops.
func (c *Connection) Close(reason CloseReason) error {
	var err error
	c.closeOnce.Do(func() {
		c.closeReason.Store(int32(reason))
		c.state.Store(int32(StateClosing))
		close(c.closeCh)
		err = c.conn.Close()
		c.state.Store(int32(StateClosed))
	})
	return err
}

// Reason returns the recorded close reason, CloseNone while open.
func (c *Connection) Reason() CloseReason {
	return CloseReason(c.closeReason.Load())
}

// CloseChan is closed when the connection shuts down.
func (c *Connection) CloseChan() <-chan struct{} {
	return c.closeCh
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last inbound byte.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) BytesRead() uint64    { return c.bytesRead.Load() }
func (c *Connection) BytesWritten() uint64 { return c.bytesWritten.Load() }
