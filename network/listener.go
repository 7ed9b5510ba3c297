package network

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myqtt/myqtt/pkg/logger"
)

// ProbeVerdict is a port-sharing probe handler's decision about the first
// bytes of a new connection.
type ProbeVerdict int

const (
	// ProbeNotMine: the bytes are not this handler's protocol.
	ProbeNotMine ProbeVerdict = iota
	// ProbeMine: the handler accepted the connection and now owns it.
	ProbeMine
	// ProbeFatal: the connection must be dropped.
	ProbeFatal
)

// ProbeHandler inspects up to the first 4 bytes of a new connection before
// MQTT parsing begins. A handler returning ProbeMine takes ownership of the
// socket; the listener forgets it.
type ProbeHandler func(prefix []byte, conn net.Conn) ProbeVerdict

// AcceptHandler receives connections that passed the probe chain. prefix
// holds the peeked bytes, already consumed from the socket; the caller must
// feed them to the decoder first.
type AcceptHandler func(conn *Connection, prefix []byte)

// ListenerConfig describes one listening port.
type ListenerConfig struct {
	// Address is "host:port". A host containing ':' binds IPv6.
	Address string
	// Backlog is advisory; the Go runtime manages the real listen backlog.
	Backlog int
	// TLS enables the TLS upgrade on accept.
	TLS *TLSConfig
	// ProbeTimeout bounds the wait for the first probe bytes.
	ProbeTimeout time.Duration
	// Connection tuning for accepted sockets.
	Conn *ConnectionConfig
}

// TLSConfig carries certificate material for a TLS-enabled listener. SNI is
// served through Locator when set, falling back to the static pair.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string // enables client-certificate verification when set
	// Locator selects a certificate for an SNI server name. Optional.
	Locator func(serverName string) (*tls.Certificate, error)
	MinVersion uint16
}

// Build assembles the crypto/tls configuration.
func (tc *TLSConfig) Build() (*tls.Config, error) {
	if tc.CertFile == "" || tc.KeyFile == "" {
		return nil, ErrInvalidTLSConfig
	}

	cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	minVersion := tc.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}

	if tc.Locator != nil {
		locator := tc.Locator
		config.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if picked, err := locator(hello.ServerName); err == nil && picked != nil {
				return picked, nil
			}
			return &cert, nil
		}
	}

	if tc.CAFile != "" {
		caCert, err := os.ReadFile(tc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.ClientCAs = caPool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return config, nil
}

// Listener runs one accept loop. Accepted sockets pass the optional TLS
// handshake and the probe chain before being handed to the accept handler
// as bootstrap connections.
type Listener struct {
	config    *ListenerConfig
	tlsConfig *tls.Config
	listener  net.Listener
	log       *logger.Logger

	mu     sync.Mutex
	probes []ProbeHandler
	accept AcceptHandler

	accepted atomic.Uint64
	rejected atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewListener creates a listener for config.
func NewListener(config *ListenerConfig, accept AcceptHandler, log *logger.Logger) (*Listener, error) {
	if config == nil || config.Address == "" {
		return nil, ErrInvalidAddress
	}
	if log == nil {
		log = logger.Default()
	}

	l := &Listener{
		config: config,
		accept: accept,
		log:    log,
	}

	if config.TLS != nil {
		tlsConfig, err := config.TLS.Build()
		if err != nil {
			return nil, err
		}
		l.tlsConfig = tlsConfig
	}

	return l, nil
}

// AddProbe appends a port-sharing probe handler. Handlers run in
// registration order; the first ProbeMine or ProbeFatal verdict wins.
func (l *Listener) AddProbe(probe ProbeHandler) {
	l.mu.Lock()
	l.probes = append(l.probes, probe)
	l.mu.Unlock()
}

// Start binds the socket and runs the accept loop.
func (l *Listener) Start() error {
	if l.closed.Load() {
		return ErrListenerClosed
	}

	network := "tcp"
	host, _, err := net.SplitHostPort(l.config.Address)
	if err == nil && strings.Contains(host, ":") {
		network = "tcp6"
	}

	ln, err := net.Listen(network, l.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.config.Address, err)
	}
	l.listener = ln

	l.wg.Add(1)
	go l.acceptLoop()

	l.log.Info("listener started", "addr", l.config.Address, "tls", l.tlsConfig != nil)
	return nil
}

// Addr returns the bound address, useful with port 0 in tests.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		netConn, err := l.listener.Accept()
		if err != nil {
			if l.closed.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.log.Error("accept", "err", err)
			continue
		}

		l.accepted.Add(1)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.setup(netConn)
		}()
	}
}

// setup runs the TLS handshake and probe chain for one accepted socket,
// then hands it over as a bootstrap connection. TLS failure before the
// handshake completes closes the socket without reaching the MQTT layer.
func (l *Listener) setup(netConn net.Conn) {
	if l.tlsConfig != nil {
		tlsConn := tls.Server(netConn, l.tlsConfig)
		tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
		if err := tlsConn.Handshake(); err != nil {
			l.rejected.Add(1)
			l.log.Debug("tls handshake failed", "peer", netConn.RemoteAddr(), "err", err)
			netConn.Close()
			return
		}
		tlsConn.SetDeadline(time.Time{})
		netConn = tlsConn
	}

	prefix := l.probe(netConn)
	if prefix == nil {
		return // probe chain owned or dropped the socket
	}

	conn := NewConnection(netConn, RoleInitiator, l.config.Conn)
	if l.accept != nil {
		l.accept(conn, prefix)
	}
}

// probe peeks up to 4 bytes and walks the handler chain. Returns the peeked
// bytes when default MQTT parsing should proceed, nil when a handler took
// or killed the connection.
func (l *Listener) probe(netConn net.Conn) []byte {
	l.mu.Lock()
	probes := l.probes
	l.mu.Unlock()

	if len(probes) == 0 {
		return []byte{}
	}

	timeout := l.config.ProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	buf := make([]byte, 4)
	netConn.SetReadDeadline(time.Now().Add(timeout))
	n, err := netConn.Read(buf)
	netConn.SetReadDeadline(time.Time{})
	if err != nil && n == 0 {
		l.rejected.Add(1)
		netConn.Close()
		return nil
	}
	prefix := buf[:n]

	for _, probe := range probes {
		switch probe(prefix, netConn) {
		case ProbeMine:
			return nil
		case ProbeFatal:
			l.rejected.Add(1)
			netConn.Close()
			return nil
		}
	}

	// Nobody claimed the bytes: default MQTT parsing proceeds, starting
	// with the consumed prefix.
	return prefix
}

// Accepted returns the number of accepted sockets.
func (l *Listener) Accepted() uint64 { return l.accepted.Load() }

// Rejected returns the number of sockets dropped before handover.
func (l *Listener) Rejected() uint64 { return l.rejected.Load() }

// Close stops accepting and releases the socket.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		if l.listener != nil {
			err = l.listener.Close()
		}
		l.wg.Wait()
	})
	return err
}
