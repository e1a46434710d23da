package gnetserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/mqtt311"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startServer(t *testing.T, broker *mqtt311.Server) *Server {
	t.Helper()

	s := New(broker, freeAddr(t), WithMulticore(false))
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	select {
	case <-s.Booted():
	case err := <-errCh:
		t.Fatalf("gnet run failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("gnet engine did not boot")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func send(t *testing.T, conn net.Conn, p mqtt311.Packet) {
	t.Helper()
	_, err := mqtt311.WritePacket(conn, p, 0)
	require.NoError(t, err)
}

func receive(t *testing.T, conn net.Conn) mqtt311.Packet {
	t.Helper()
	p, _, err := mqtt311.ReadPacket(conn, 0)
	require.NoError(t, err)
	return p
}

func TestStopBeforeRun(t *testing.T) {
	s := New(mqtt311.NewServer(), "127.0.0.1:0")
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotRunning)
}

func TestConnectAndPing(t *testing.T) {
	broker := mqtt311.NewServer()
	t.Cleanup(func() { _ = broker.Close() })
	s := startServer(t, broker)

	conn := dial(t, s)
	send(t, conn, &mqtt311.ConnectPacket{ClientID: "gnet-client", CleanSession: true, KeepAlive: 30})

	connack, ok := receive(t, conn).(*mqtt311.ConnackPacket)
	require.True(t, ok)
	assert.Equal(t, mqtt311.ConnackAccepted, connack.ReturnCode)

	send(t, conn, &mqtt311.PingreqPacket{})
	_, ok = receive(t, conn).(*mqtt311.PingrespPacket)
	assert.True(t, ok)

	assert.Eventually(t, func() bool { return broker.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestPublishAcrossConnections(t *testing.T) {
	broker := mqtt311.NewServer()
	t.Cleanup(func() { _ = broker.Close() })
	s := startServer(t, broker)

	sub := dial(t, s)
	send(t, sub, &mqtt311.ConnectPacket{ClientID: "sub", CleanSession: true})
	receive(t, sub)
	send(t, sub, &mqtt311.SubscribePacket{
		PacketID:      1,
		Subscriptions: []mqtt311.Subscription{{TopicFilter: "sensors/#", QoS: 1}},
	})
	suback, ok := receive(t, sub).(*mqtt311.SubackPacket)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, suback.ReturnCodes)

	pub := dial(t, s)
	send(t, pub, &mqtt311.ConnectPacket{ClientID: "pub", CleanSession: true})
	receive(t, pub)
	send(t, pub, &mqtt311.PublishPacket{Topic: "sensors/t1", Payload: []byte("22"), QoS: 1, PacketID: 9})

	puback, ok := receive(t, pub).(*mqtt311.PubackPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(9), puback.PacketID)

	msg, ok := receive(t, sub).(*mqtt311.PublishPacket)
	require.True(t, ok)
	assert.Equal(t, "sensors/t1", msg.Topic)
	assert.Equal(t, []byte("22"), msg.Payload)
	assert.Equal(t, byte(1), msg.QoS)
}

func TestProtocolErrorClosesSocket(t *testing.T) {
	broker := mqtt311.NewServer()
	t.Cleanup(func() { _ = broker.Close() })
	s := startServer(t, broker)

	conn := dial(t, s)
	send(t, conn, &mqtt311.PingreqPacket{})

	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	assert.Error(t, err)
}
