// Package gnetserver serves MQTT over an event-loop TCP transport built on
// gnet. Bytes read by the loop are pushed into mqtt311.Connection.Feed, so
// packet handling runs on the loop goroutine that owns the socket.
package gnetserver

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/panjf2000/gnet/v2"

	"github.com/vitalvas/mqtt311"
)

var ErrNotRunning = errors.New("gnetserver: engine not running")

// Option configures a Server.
type Option func(*Server)

// WithMulticore runs one event loop per CPU.
func WithMulticore(enabled bool) Option {
	return func(s *Server) {
		s.multicore = enabled
	}
}

// WithReusePort sets SO_REUSEPORT on the listening socket.
func WithReusePort(enabled bool) Option {
	return func(s *Server) {
		s.reusePort = enabled
	}
}

// Server adapts a gnet engine to a broker.
type Server struct {
	gnet.BuiltinEventEngine

	broker    *mqtt311.Server
	addr      string
	multicore bool
	reusePort bool

	mu      sync.Mutex
	eng     gnet.Engine
	running bool
	booted  chan struct{}
}

// New creates a server that will listen on addr, in host:port form.
func New(broker *mqtt311.Server, addr string, opts ...Option) *Server {
	s := &Server{
		broker:    broker,
		addr:      addr,
		multicore: true,
		booted:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the event loops and blocks until Stop is called or the engine
// fails.
func (s *Server) Run() error {
	return gnet.Run(s, "tcp://"+s.addr,
		gnet.WithMulticore(s.multicore),
		gnet.WithReusePort(s.reusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	)
}

// Booted returns a channel closed once the engine is accepting connections.
func (s *Server) Booted() <-chan struct{} {
	return s.booted
}

// Stop shuts the engine down. Connections it owns are closed and reported to
// the broker as transport disconnects.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	eng, running := s.eng, s.running
	s.mu.Unlock()

	if !running {
		return ErrNotRunning
	}
	return eng.Stop(ctx)
}

func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.mu.Lock()
	s.eng = eng
	s.running = true
	s.mu.Unlock()

	close(s.booted)
	return gnet.None
}

func (s *Server) OnShutdown(gnet.Engine) {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	conn := s.broker.NewConnection(&link{conn: c})
	if conn == nil {
		return nil, gnet.Close
	}
	c.SetContext(conn)
	return nil, gnet.None
}

func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*mqtt311.Connection)
	if !ok {
		return gnet.Close
	}

	// Feed copies what it keeps; the slice from Next is only valid here.
	buf, err := c.Next(-1)
	if err != nil {
		conn.Close(err)
		return gnet.Close
	}
	if err := conn.Feed(buf); err != nil {
		return gnet.Close
	}
	if isDone(conn) {
		return gnet.Close
	}
	return gnet.None
}

func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if conn, ok := c.Context().(*mqtt311.Connection); ok {
		conn.Close(err)
	}
	return gnet.None
}

func isDone(conn *mqtt311.Connection) bool {
	select {
	case <-conn.Done():
		return true
	default:
		return false
	}
}

// link is the broker's write side of a gnet connection.
type link struct {
	conn gnet.Conn
}

// Write queues a copy of b; the encoder reuses its buffer once Write returns.
func (l *link) Write(b []byte) (int, error) {
	out := make([]byte, len(b))
	copy(out, b)
	if err := l.conn.AsyncWrite(out, nil); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (l *link) Close() error {
	return l.conn.Close()
}

func (l *link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}
