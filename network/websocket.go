package network

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/myqtt/myqtt/pkg/logger"
)

// wsConn adapts a WebSocket session to net.Conn so the rest of the engine
// treats MQTT-over-WebSocket like any other transport. MQTT frames are
// carried in binary messages; a frame may span messages, so reads drain a
// current message before fetching the next.
type wsConn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	current []byte

	writeMu sync.Mutex
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.current) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.current = data
	}

	n := copy(b, c.current)
	c.current = c.current[n:]
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error      { return c.ws.UnderlyingConn().SetDeadline(t) }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// WebSocketListener serves MQTT over WebSocket on an HTTP endpoint,
// upgrading each request and handing the session over as a bootstrap
// connection.
type WebSocketListener struct {
	addr   string
	path   string
	accept AcceptHandler
	log    *logger.Logger

	server   *http.Server
	upgrader websocket.Upgrader

	closeOnce sync.Once
}

// NewWebSocketListener creates a WebSocket listener on addr serving path
// (default "/mqtt").
func NewWebSocketListener(addr, path string, accept AcceptHandler, log *logger.Logger) *WebSocketListener {
	if path == "" {
		path = "/mqtt"
	}
	if log == nil {
		log = logger.Default()
	}
	return &WebSocketListener{
		addr:   addr,
		path:   path,
		accept: accept,
		log:    log,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}
}

// Start runs the HTTP server in the background.
func (l *WebSocketListener) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.serve)

	l.server = &http.Server{Addr: l.addr, Handler: mux}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.log.Error("websocket listener", "err", err)
		}
	}()

	l.log.Info("websocket listener started", "addr", l.addr, "path", l.path)
	return nil
}

func (l *WebSocketListener) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug("websocket upgrade failed", "peer", r.RemoteAddr, "err", err)
		return
	}

	conn := NewConnection(&wsConn{ws: ws}, RoleInitiator, nil)
	if l.accept != nil {
		l.accept(conn, nil)
	}
}

// Close shuts the HTTP server down.
func (l *WebSocketListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.server != nil {
			err = l.server.Close()
		}
	})
	return err
}
