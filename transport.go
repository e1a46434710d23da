package mqtt311

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
)

// Listener accepts incoming MQTT connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept() (net.Conn, error)

	// Close closes the listener.
	Close() error

	// Addr returns the listener's network address.
	Addr() net.Addr
}

// TCPListener wraps net.Listener for TCP connections.
type TCPListener struct {
	listener net.Listener
}

// NewTCPListener creates a new TCP listener on the given address.
func NewTCPListener(address string) (*TCPListener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: l}, nil
}

// Accept waits for and returns the next connection.
func (l *TCPListener) Accept() (net.Conn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// Close closes the listener.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// TLSListener wraps net.Listener for TLS connections.
type TLSListener struct {
	listener net.Listener
}

// NewTLSListener creates a new TLS listener on the given address.
func NewTLSListener(address string, config *tls.Config) (*TLSListener, error) {
	l, err := tls.Listen("tcp", address, config)
	if err != nil {
		return nil, err
	}
	return &TLSListener{listener: l}, nil
}

// Accept waits for and returns the next connection.
func (l *TLSListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Close closes the listener.
func (l *TLSListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *TLSListener) Addr() net.Addr {
	return l.listener.Addr()
}

// UnixListener listens for MQTT connections on a Unix domain socket.
type UnixListener struct {
	listener net.Listener
	path     string
}

// NewUnixListener creates a new Unix socket listener. A stale socket file
// left by a previous run is removed first.
func NewUnixListener(path string) (*UnixListener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &UnixListener{
		listener: listener,
		path:     path,
	}, nil
}

// Accept waits for and returns the next connection.
func (l *UnixListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Close closes the listener. The socket file is removed by the listener.
func (l *UnixListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *UnixListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Path returns the socket file path.
func (l *UnixListener) Path() string {
	return l.path
}
