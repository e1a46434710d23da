package mqtt311

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrTLSRequired is returned when QUIC is configured without TLS.
var ErrTLSRequired = errors.New("TLS configuration is required for QUIC")

// QUICALPN is the ALPN protocol negotiated for MQTT over QUIC.
const QUICALPN = "mqtt"

// quicStreamTimeout bounds the wait for a client to open its stream.
const quicStreamTimeout = 10 * time.Second

// QUICConn carries one MQTT connection on the first bidirectional stream of
// a QUIC connection.
type QUICConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	once   sync.Once
	err    error
}

// Read reads data from the QUIC stream.
func (c *QUICConn) Read(b []byte) (int, error) {
	return c.stream.Read(b)
}

// Write writes data to the QUIC stream.
func (c *QUICConn) Write(b []byte) (int, error) {
	return c.stream.Write(b)
}

// Close closes the stream and the QUIC connection under it.
func (c *QUICConn) Close() error {
	c.once.Do(func() {
		c.err = c.stream.Close()
		if err := c.conn.CloseWithError(0, ""); c.err == nil {
			c.err = err
		}
	})
	return c.err
}

// LocalAddr returns the local network address.
func (c *QUICConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *QUICConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *QUICConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *QUICConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *QUICConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

type quicAccept struct {
	conn *QUICConn
	err  error
}

// QUICListener listens for MQTT connections over QUIC. Streams are accepted
// in the background so a client that never opens one does not stall others.
type QUICListener struct {
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	accepted chan quicAccept
}

// NewQUICListener creates a new QUIC listener. TLS 1.3 is enforced and the
// "mqtt" ALPN is added when the config names none.
func NewQUICListener(addr string, tlsConfig *tls.Config, quicConfig *quic.Config) (*QUICListener, error) {
	if tlsConfig == nil {
		return nil, ErrTLSRequired
	}

	tlsConfig = tlsConfig.Clone()
	if tlsConfig.MinVersion < tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{QUICALPN}
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		accepted: make(chan quicAccept),
	}
	go l.acceptLoop()

	return l, nil
}

func (l *QUICListener) acceptLoop() {
	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			select {
			case l.accepted <- quicAccept{err: err}:
			case <-l.ctx.Done():
			}
			return
		}
		go l.acceptStream(conn)
	}
}

func (l *QUICListener) acceptStream(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, quicStreamTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}

	select {
	case l.accepted <- quicAccept{conn: &QUICConn{conn: conn, stream: stream}}:
	case <-l.ctx.Done():
		_ = conn.CloseWithError(0, "listener closed")
	}
}

// Accept returns the next QUIC connection with an open stream.
func (l *QUICListener) Accept() (net.Conn, error) {
	select {
	case a := <-l.accepted:
		if a.err != nil {
			if errors.Is(a.err, quic.ErrServerClosed) || errors.Is(a.err, context.Canceled) {
				return nil, net.ErrClosed
			}
			return nil, a.err
		}
		return a.conn, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

// Close closes the QUIC listener.
func (l *QUICListener) Close() error {
	l.cancel()
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}
