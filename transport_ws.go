package mqtt311

import (
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the MQTT WebSocket subprotocol.
const WebSocketSubprotocol = "mqtt"

// ErrTextFrame is returned when a WebSocket peer sends a text frame; MQTT
// travels in binary frames only.
var ErrTextFrame = malformed("websocket text frame")

// WSConn adapts a WebSocket connection to net.Conn. A packet may span
// frames and a frame may hold several packets.
type WSConn struct {
	conn *websocket.Conn
	buf  []byte
}

// NewWSConn wraps an upgraded WebSocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Read reads data from the current binary frame, fetching the next one when
// it is used up.
func (c *WSConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			return 0, ErrTextFrame
		}
		c.buf = data
	}

	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// Write writes data to the connection as one binary message. Callers must
// not write concurrently; Connection serializes its writes.
func (c *WSConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local network address.
func (c *WSConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// WSHandler is an HTTP handler that upgrades requests to WebSocket and
// serves MQTT on them.
type WSHandler struct {
	server   *Server
	upgrader websocket.Upgrader

	// AllowedOrigins lists the accepted Origin headers. If empty, the Origin
	// host must equal the request Host. "*" allows every origin.
	AllowedOrigins []string
}

// NewWSHandler creates a WebSocket handler feeding server.
func NewWSHandler(server *Server) *WSHandler {
	h := &WSHandler{server: server}
	h.upgrader = websocket.Upgrader{
		Subprotocols:    []string{WebSocketSubprotocol},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin.
		return true
	}

	if len(h.AllowedOrigins) > 0 {
		return slices.Contains(h.AllowedOrigins, "*") || slices.Contains(h.AllowedOrigins, origin)
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Host == r.Host
}

// ServeHTTP implements http.Handler. It blocks for the life of the MQTT
// connection.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.server.log.Debug("websocket upgrade failed", LogFields{
			LogFieldRemoteAddr: r.RemoteAddr,
			LogFieldError:      err.Error(),
		})
		return
	}

	h.server.ServeConn(NewWSConn(conn))
}
