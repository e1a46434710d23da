package mqtt311

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrNotConnected     = violation("packet received before CONNECT")
	ErrSecondConnect    = violation("second CONNECT on one connection")
	ErrUnexpectedPacket = violation("server-bound packet type not allowed from client")
	ErrConnectionClosed = errors.New("connection closed")
)

// Link is the write side of a transport connection. Transports that push
// bytes into Connection.Feed supply a Link; stream transports pass a
// net.Conn, which satisfies it.
type Link interface {
	io.Writer
	Close() error
	RemoteAddr() net.Addr
}

// DisconnectReason explains why a connection ended.
type DisconnectReason int

const (
	// ReasonClient means the client sent DISCONNECT.
	ReasonClient DisconnectReason = iota
	// ReasonKeepAlive means the client was silent past its keep-alive deadline.
	ReasonKeepAlive
	// ReasonTransport means the byte stream ended or failed.
	ReasonTransport
	// ReasonProtocolError means the client sent a malformed or invalid packet.
	ReasonProtocolError
	// ReasonTakeover means a newer connection claimed the same client identity.
	ReasonTakeover
	// ReasonShutdown means the server is closing.
	ReasonShutdown
	// ReasonRejected means CONNECT was answered with a refusal code.
	ReasonRejected
)

// String returns the string representation of the reason.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonClient:
		return "client"
	case ReasonKeepAlive:
		return "keep-alive"
	case ReasonTransport:
		return "transport"
	case ReasonProtocolError:
		return "protocol-error"
	case ReasonTakeover:
		return "takeover"
	case ReasonShutdown:
		return "shutdown"
	case ReasonRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Graceful reports whether the client ended the connection on purpose. Only
// a non-graceful disconnect would trigger the client's will message.
func (r DisconnectReason) Graceful() bool {
	return r == ReasonClient
}

// Connection is one client transport attached to the broker. Its packets
// are handled in the order they arrive by a single worker: the ServeConn
// goroutine for stream transports, or whoever calls Feed.
type Connection struct {
	server  *Server
	id      uint64
	link    Link
	writeMu sync.Mutex
	buf     []byte
	opened  time.Time
	limiter *rate.Limiter

	mu       sync.Mutex
	session  *Session
	clientID string
	username string
	connect  *ConnectPacket

	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	reason    DisconnectReason

	ctx    context.Context
	cancel context.CancelFunc
	log    Logger
}

// ID returns the server-assigned connection number.
func (c *Connection) ID() uint64 {
	return c.id
}

// ClientID returns the client identity, empty before CONNECT is accepted.
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Username returns the username from CONNECT.
func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.link.RemoteAddr()
}

// Session returns the attached session, or nil before CONNECT is accepted.
func (c *Connection) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connected reports whether CONNECT was accepted and the connection is
// still open.
func (c *Connection) Connected() bool {
	return c.connected.Load() && !c.closed.Load()
}

// Will returns the will message carried by CONNECT, or nil.
func (c *Connection) Will() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connect == nil || !c.connect.WillFlag {
		return nil
	}
	return &Message{
		Topic:    c.connect.WillTopic,
		Payload:  c.connect.WillPayload,
		QoS:      c.connect.WillQoS,
		Retain:   c.connect.WillRetain,
		ClientID: c.clientID,
	}
}

// Reason returns why the connection closed. Meaningful only after close.
func (c *Connection) Reason() DisconnectReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done returns a channel closed when the connection shuts down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) logger() Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// writePacket encodes and writes one packet. A failed write closes the link
// so the worker notices; the shutdown itself runs on the worker, never
// under the caller's session lock.
func (c *Connection) writePacket(p Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}

	if d, ok := c.link.(writeDeadliner); ok && c.server.config.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.server.config.writeTimeout))
	}

	if _, err := WritePacket(c.link, p, 0); err != nil {
		c.logger().Debug("write failed", LogFields{
			LogFieldPacketType: p.Type().String(),
			LogFieldError:      err.Error(),
		})
		_ = c.link.Close()
		return err
	}
	return nil
}

// Feed hands bytes read from the transport to the connection. Whole packets
// are decoded and handled in order; a trailing partial packet is kept until
// the next call. A decode or handling error closes the connection and is
// returned.
func (c *Connection) Feed(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.buf = append(c.buf, data...)
	for len(c.buf) > 0 {
		pkt, n, err := DecodePacket(c.buf, c.server.config.maxPacketSize)
		if errors.Is(err, ErrIncomplete) {
			break
		}
		if err != nil {
			c.Close(err)
			return err
		}
		c.buf = c.buf[n:]

		if err := c.handle(pkt); err != nil {
			return err
		}
		if c.closed.Load() {
			return nil
		}
	}

	if len(c.buf) == 0 {
		c.buf = nil
	} else if cap(c.buf) > 2*len(c.buf)+4096 {
		c.buf = append([]byte(nil), c.buf...)
	}
	return nil
}

// handle runs one packet and closes the connection when it fails or ends
// the session.
func (c *Connection) handle(pkt Packet) error {
	err := c.server.handlePacket(c, pkt)
	if err != nil {
		c.Close(err)
		return err
	}
	if _, ok := pkt.(*DisconnectPacket); ok {
		c.shutdown(ReasonClient, nil)
	}
	return nil
}

// Close ends the connection. A nil or io.EOF error means the transport went
// away; classified protocol errors are recorded as protocol errors.
func (c *Connection) Close(err error) {
	reason := ReasonTransport
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, ErrUnexpectedClose), errors.Is(err, net.ErrClosed):
	case errors.Is(err, errConnectRefused):
		reason = ReasonRejected
	case ErrorKind(err) != nil:
		reason = ReasonProtocolError
	}
	c.shutdown(reason, err)
}

func (c *Connection) shutdown(reason DisconnectReason, err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()

		c.closed.Store(true)
		c.cancel()

		// Closing the link unblocks a writer stuck on a slow peer.
		_ = c.link.Close()

		c.server.connectionClosed(c, reason, err)
	})
}
