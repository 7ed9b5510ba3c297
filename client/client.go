package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/myqtt/myqtt/encoding"
	"github.com/myqtt/myqtt/pkg/logger"
	"github.com/myqtt/myqtt/qos"
	"github.com/myqtt/myqtt/types/message"
)

var (
	ErrNotConnected    = errors.New("client not connected")
	ErrConnectRefused  = errors.New("connection refused by broker")
	ErrConnectTimeout  = errors.New("timed out waiting for CONNACK")
	ErrAlreadyClosed   = errors.New("client closed")
	ErrSubscribeFailed = errors.New("subscription refused by broker")
)

// Will configures the client's last-will message.
type Will struct {
	Topic   string
	Payload []byte
	QoS     encoding.QoS
	Retain  bool
}

// Options configures a client connection.
type Options struct {
	Addr         string
	ClientID     string
	CleanSession bool
	KeepAlive    uint16
	Username     string
	Password     []byte
	Will         *Will
	TLS          *tls.Config
	// ServerName sets the SNI name when TLS is used.
	ServerName     string
	ConnectTimeout time.Duration
	QoS            *qos.Config
}

// MessageHandler receives inbound application messages.
type MessageHandler func(msg *message.Message)

// Client is a minimal MQTT 3.1.1 client sharing the broker's codec and
// delivery engine.
type Client struct {
	opts Options
	log  *logger.Logger

	mu        sync.Mutex
	conn      net.Conn
	qos       *qos.Handler
	onMessage MessageHandler
	connected bool
	closed    bool

	// acks routes SUBACK/UNSUBACK and CONNACK to their waiters.
	ackMu    sync.Mutex
	subAcks  map[uint16]chan *encoding.SubackPacket
	unsubAck map[uint16]chan struct{}
	connAck  chan *encoding.ConnackPacket

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates an unconnected client.
func New(opts Options) *Client {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		opts:     opts,
		log:      logger.Default().Component("client"),
		subAcks:  make(map[uint16]chan *encoding.SubackPacket),
		unsubAck: make(map[uint16]chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// OnMessage installs the inbound message handler. Must be set before
// Connect to avoid losing early deliveries.
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

// Connect dials the broker and performs the CONNECT handshake. Returns the
// CONNACK return code and the session-present flag.
func (c *Client) Connect() (encoding.ConnackCode, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, false, ErrAlreadyClosed
	}
	c.mu.Unlock()

	var conn net.Conn
	var err error
	if c.opts.TLS != nil {
		cfg := c.opts.TLS.Clone()
		if c.opts.ServerName != "" {
			cfg.ServerName = c.opts.ServerName
		}
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: c.opts.ConnectTimeout}, "tcp", c.opts.Addr, cfg)
	} else {
		conn, err = net.DialTimeout("tcp", c.opts.Addr, c.opts.ConnectTimeout)
	}
	if err != nil {
		return 0, false, fmt.Errorf("dial %s: %w", c.opts.Addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.qos = qos.NewHandler(c.opts.QoS, qos.Callbacks{
		Send:    c.writePacket,
		Deliver: c.deliver,
	})
	c.mu.Unlock()

	c.ackMu.Lock()
	c.connAck = make(chan *encoding.ConnackPacket, 1)
	c.ackMu.Unlock()

	c.wg.Add(1)
	go c.readLoop()

	pkt := &encoding.ConnectPacket{
		ProtocolName:    encoding.ProtocolName311,
		ProtocolVersion: encoding.ProtocolVersion311,
		CleanSession:    c.opts.CleanSession,
		KeepAlive:       c.opts.KeepAlive,
		ClientID:        c.opts.ClientID,
	}
	if c.opts.Will != nil {
		pkt.WillFlag = true
		pkt.WillTopic = c.opts.Will.Topic
		pkt.WillPayload = c.opts.Will.Payload
		pkt.WillQoS = c.opts.Will.QoS
		pkt.WillRetain = c.opts.Will.Retain
	}
	if c.opts.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = c.opts.Username
	}
	if len(c.opts.Password) > 0 {
		pkt.PasswordFlag = true
		pkt.Password = c.opts.Password
	}

	if err := c.writePacket(pkt); err != nil {
		conn.Close()
		return 0, false, err
	}

	select {
	case ack := <-c.connAck:
		if ack.ReturnCode != encoding.ConnackAccepted {
			conn.Close()
			return ack.ReturnCode, false, ErrConnectRefused
		}
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		if c.opts.KeepAlive > 0 {
			c.wg.Add(1)
			go c.pingLoop()
		}
		return ack.ReturnCode, ack.SessionPresent, nil
	case <-time.After(c.opts.ConnectTimeout):
		conn.Close()
		return 0, false, ErrConnectTimeout
	}
}

// Publish sends an application message. For QoS > 0 it blocks until the
// final acknowledgment or the microsecond timeout (zero: don't wait,
// negative: wait forever).
func (c *Client) Publish(topic string, payload []byte, q encoding.QoS, retain bool, timeoutUsec int64) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	handler := c.qos
	c.mu.Unlock()

	msg := message.New(0, topic, payload, q, retain)
	packetID, err := handler.SendPublish(msg)
	if err != nil {
		return err
	}
	if q == encoding.QoS0 || timeoutUsec == 0 {
		return nil
	}
	return handler.WaitReply(packetID, timeoutUsec)
}

// Subscribe requests one topic filter and returns the granted QoS, or
// ErrSubscribeFailed when the broker answers 0x80.
func (c *Client) Subscribe(filter string, q encoding.QoS, timeout time.Duration) (encoding.QoS, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	handler := c.qos
	c.mu.Unlock()

	packetID, err := handler.ReserveID()
	if err != nil {
		return 0, err
	}
	defer handler.ReleaseID(packetID)

	ch := make(chan *encoding.SubackPacket, 1)
	c.ackMu.Lock()
	c.subAcks[packetID] = ch
	c.ackMu.Unlock()

	err = c.writePacket(&encoding.SubscribePacket{
		PacketID:      packetID,
		Subscriptions: []encoding.Subscription{{TopicFilter: filter, QoS: q}},
	})
	if err != nil {
		return 0, err
	}

	select {
	case ack := <-ch:
		if len(ack.ReturnCodes) == 0 || ack.ReturnCodes[0] == encoding.SubackFailure {
			return 0, ErrSubscribeFailed
		}
		return encoding.QoS(ack.ReturnCodes[0]), nil
	case <-time.After(timeout):
		return 0, ErrConnectTimeout
	}
}

// Unsubscribe removes one topic filter.
func (c *Client) Unsubscribe(filter string, timeout time.Duration) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	handler := c.qos
	c.mu.Unlock()

	packetID, err := handler.ReserveID()
	if err != nil {
		return err
	}
	defer handler.ReleaseID(packetID)

	ch := make(chan struct{}, 1)
	c.ackMu.Lock()
	c.unsubAck[packetID] = ch
	c.ackMu.Unlock()

	err = c.writePacket(&encoding.UnsubscribePacket{
		PacketID:     packetID,
		TopicFilters: []string{filter},
	})
	if err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return ErrConnectTimeout
	}
}

// Disconnect sends the graceful DISCONNECT and closes the transport. The
// broker will not publish the Will.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	c.writePacket(&encoding.DisconnectPacket{})
	return c.shutdown(conn)
}

// Close drops the transport without DISCONNECT; the broker treats it as an
// abnormal close and publishes the Will.
func (c *Client) Close() error {
	c.mu.Lock()
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.shutdown(conn)
}

func (c *Client) shutdown(conn net.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handler := c.qos
	c.mu.Unlock()

	close(c.stopCh)
	err := conn.Close()
	c.wg.Wait()
	if handler != nil {
		handler.Close()
	}
	return err
}

func (c *Client) writePacket(pkt encoding.Packet) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	var buf []byte
	w := writerFunc(func(p []byte) (int, error) {
		buf = append(buf, p...)
		return len(p), nil
	})
	if err := pkt.Encode(w); err != nil {
		return err
	}
	_, err := conn.Write(buf)
	return err
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (c *Client) deliver(msg *message.Message) error {
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
	return nil
}

// readLoop decodes inbound frames and routes them: acknowledgments to the
// delivery engine, application messages to the handler.
func (c *Client) readLoop() {
	defer c.wg.Done()

	decoder := encoding.NewStreamDecoder(nil)
	buf := make([]byte, 4096)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
		}
		if err != nil {
			return
		}

		for {
			pkt, derr := decoder.Next()
			if derr == encoding.ErrNeedMore {
				break
			}
			if derr != nil {
				c.log.Debug("protocol error", "err", derr)
				c.conn.Close()
				return
			}
			c.dispatch(pkt)
		}
	}
}

func (c *Client) dispatch(pkt encoding.Packet) {
	switch p := pkt.(type) {
	case *encoding.ConnackPacket:
		c.ackMu.Lock()
		ch := c.connAck
		c.connAck = nil
		c.ackMu.Unlock()
		if ch != nil {
			ch <- p
		}
	case *encoding.PublishPacket:
		msg := message.FromPublish(p, "")
		c.qos.HandleInboundPublish(msg)
	case *encoding.PubackPacket:
		c.qos.HandlePuback(p.PacketID)
	case *encoding.PubrecPacket:
		c.qos.HandlePubrec(p.PacketID)
	case *encoding.PubrelPacket:
		c.qos.HandlePubrel(p.PacketID)
	case *encoding.PubcompPacket:
		c.qos.HandlePubcomp(p.PacketID)
	case *encoding.SubackPacket:
		c.ackMu.Lock()
		ch := c.subAcks[p.PacketID]
		delete(c.subAcks, p.PacketID)
		c.ackMu.Unlock()
		if ch != nil {
			ch <- p
		}
	case *encoding.UnsubackPacket:
		c.ackMu.Lock()
		ch := c.unsubAck[p.PacketID]
		delete(c.unsubAck, p.PacketID)
		c.ackMu.Unlock()
		if ch != nil {
			ch <- struct{}{}
		}
	case *encoding.PingrespPacket:
		// keep-alive satisfied
	}
}

// pingLoop sends PINGREQ at the keep-alive interval.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	interval := time.Duration(c.opts.KeepAlive) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.writePacket(&encoding.PingreqPacket{}); err != nil {
				return
			}
		case <-c.stopCh:
			return
		}
	}
}
