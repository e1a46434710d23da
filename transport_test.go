package mqtt311

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestCertificate(t testing.TB) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)

	return cert, pool
}

// serveListener runs srv.Serve(l) in the background and closes the server
// when the test ends.
func serveListener(t *testing.T, srv *Server, l Listener) {
	t.Helper()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()

	t.Cleanup(func() {
		_ = srv.Close()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Close")
		}
	})
}

// connectOver sends CONNECT on conn and returns the first packet back.
func connectOver(t *testing.T, conn net.Conn, clientID string) Packet {
	t.Helper()

	_, err := WritePacket(conn, &ConnectPacket{ClientID: clientID, CleanSession: true}, 0)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	pkt, _, err := ReadPacket(bufio.NewReader(conn), 0)
	require.NoError(t, err)
	return pkt
}

func TestTCPListenerAccept(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	require.NotNil(t, listener.Addr())

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := net.Dial("tcp", listener.Addr().String())
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := listener.Accept()
	require.NoError(t, err)
	assert.IsType(t, &net.TCPConn{}, conn)
	conn.Close()
	<-done

	require.NoError(t, listener.Close())
	_, err = listener.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestTCPListenerInvalidAddress(t *testing.T) {
	_, err := NewTCPListener("127.0.0.1:-1")
	assert.Error(t, err)
}

func TestTLSListenerServe(t *testing.T) {
	cert, pool := generateTestCertificate(t)

	listener, err := NewTLSListener("127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)

	srv := NewServer()
	serveListener(t, srv, listener)

	conn, err := tls.Dial("tcp", listener.Addr().String(), &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, &ConnackPacket{}, connectOver(t, conn, "tls-client"))
}

func TestUnixListenerServe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mqtt.sock")

	// A stale socket file from an earlier run is replaced.
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	listener, err := NewUnixListener(path)
	require.NoError(t, err)
	assert.Equal(t, path, listener.Path())
	assert.Equal(t, "unix", listener.Addr().Network())

	srv := NewServer()
	serveListener(t, srv, listener)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, &ConnackPacket{}, connectOver(t, conn, "unix-client"))
}

func TestTCPRoundTrip(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer()
	serveListener(t, srv, listener)

	sub, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer sub.Close()
	subReader := bufio.NewReader(sub)

	_, err = WritePacket(sub, &ConnectPacket{ClientID: "sub", CleanSession: true}, 0)
	require.NoError(t, err)
	_, err = WritePacket(sub, &SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "t/#", QoS: 1}}}, 0)
	require.NoError(t, err)

	require.NoError(t, sub.SetReadDeadline(time.Now().Add(5*time.Second)))
	pkt, _, err := ReadPacket(subReader, 0)
	require.NoError(t, err)
	assert.Equal(t, &ConnackPacket{}, pkt)
	pkt, _, err = ReadPacket(subReader, 0)
	require.NoError(t, err)
	assert.Equal(t, &SubackPacket{PacketID: 1, ReturnCodes: []byte{1}}, pkt)

	pub, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer pub.Close()

	require.Equal(t, &ConnackPacket{}, connectOver(t, pub, "pub"))
	_, err = WritePacket(pub, &PublishPacket{Topic: "t/1", Payload: []byte("over tcp"), QoS: 1, PacketID: 9}, 0)
	require.NoError(t, err)

	pkt, _, err = ReadPacket(subReader, 0)
	require.NoError(t, err)
	assert.Equal(t, &PublishPacket{Topic: "t/1", Payload: []byte("over tcp"), QoS: 1, PacketID: 1}, pkt)
}

func BenchmarkTCPRoundTrip(b *testing.B) {
	listener, err := NewTCPListener("127.0.0.1:0")
	require.NoError(b, err)

	srv := NewServer()
	go func() { _ = srv.Serve(listener) }()
	defer srv.Close()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(b, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err = WritePacket(conn, &ConnectPacket{ClientID: "bench", CleanSession: true}, 0)
	require.NoError(b, err)
	_, _, err = ReadPacket(r, 0)
	require.NoError(b, err)

	for b.Loop() {
		if _, err := WritePacket(conn, &PingreqPacket{}, 0); err != nil {
			b.Fatal(err)
		}
		if _, _, err := ReadPacket(r, 0); err != nil {
			b.Fatal(err)
		}
	}
}
