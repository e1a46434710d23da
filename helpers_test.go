package mqtt311

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type testAddr string

func (a testAddr) Network() string { return "test" }
func (a testAddr) String() string  { return string(a) }

// recordingLink is a Link that decodes every write into a packet. The
// server writes exactly one packet per Write call.
type recordingLink struct {
	mu      sync.Mutex
	packets []Packet
	errs    []error
	closed  bool
	addr    net.Addr
}

func newRecordingLink() *recordingLink {
	return &recordingLink{addr: testAddr("192.0.2.1:50000")}
}

func (l *recordingLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, net.ErrClosed
	}
	pkt, _, err := DecodePacket(p, 0)
	if err != nil {
		l.errs = append(l.errs, err)
	} else {
		l.packets = append(l.packets, pkt)
	}
	return len(p), nil
}

func (l *recordingLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *recordingLink) RemoteAddr() net.Addr {
	return l.addr
}

func (l *recordingLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// drain returns and forgets every packet written so far.
func (l *recordingLink) drain(t *testing.T) []Packet {
	t.Helper()

	l.mu.Lock()
	defer l.mu.Unlock()

	require.Empty(t, l.errs, "server wrote undecodable bytes")
	out := l.packets
	l.packets = nil
	return out
}

// testClient drives a Connection by feeding it encoded packets.
type testClient struct {
	t    *testing.T
	conn *Connection
	link *recordingLink
}

func newTestClient(t *testing.T, srv *Server) *testClient {
	t.Helper()

	link := newRecordingLink()
	conn := srv.NewConnection(link)
	require.NotNil(t, conn)
	return &testClient{t: t, conn: conn, link: link}
}

func (c *testClient) send(p Packet) error {
	c.t.Helper()

	data, err := EncodePacket(p)
	require.NoError(c.t, err)
	return c.conn.Feed(data)
}

func (c *testClient) mustSend(p Packet) {
	c.t.Helper()
	require.NoError(c.t, c.send(p))
}

// connect sends CONNECT and returns the CONNACK. Packets written after the
// CONNACK stay queued on the link.
func (c *testClient) connect(p *ConnectPacket) *ConnackPacket {
	c.t.Helper()

	_ = c.send(p)

	c.link.mu.Lock()
	defer c.link.mu.Unlock()

	require.NotEmpty(c.t, c.link.packets, "no CONNACK")
	connack, ok := c.link.packets[0].(*ConnackPacket)
	require.True(c.t, ok, "first packet is %s", c.link.packets[0].Type())
	c.link.packets = c.link.packets[1:]
	return connack
}

// expect asserts the packets written since the last drain. No arguments
// means nothing was written.
func (c *testClient) expect(want ...Packet) {
	c.t.Helper()

	got := c.link.drain(c.t)
	if len(want) == 0 {
		require.Empty(c.t, got)
		return
	}
	require.Equal(c.t, want, got)
}

func (c *testClient) received() []Packet {
	c.t.Helper()
	return c.link.drain(c.t)
}

func (c *testClient) subscribe(id uint16, filters ...Subscription) *SubackPacket {
	c.t.Helper()

	c.mustSend(&SubscribePacket{PacketID: id, Subscriptions: filters})
	pkts := c.received()
	require.Len(c.t, pkts, 1)
	suback, ok := pkts[0].(*SubackPacket)
	require.True(c.t, ok)
	return suback
}
