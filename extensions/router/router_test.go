package router

import (
	"bufio"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitalvas/mqtt311"
)

func mustHandle(t *testing.T, r *Router, h Handler, opts ...ConditionOption) ID {
	t.Helper()

	id, err := r.Handle(h, opts...)
	require.NoError(t, err)
	return id
}

func nop(*mqtt311.Connection, *mqtt311.Message) {}

func TestRouterHandle(t *testing.T) {
	r := New()

	var called bool
	id := mustHandle(t, r, func(from *mqtt311.Connection, _ *mqtt311.Message) {
		assert.Nil(t, from)
		called = true
	}, WithTopic("test/topic"))

	assert.NotZero(t, id)
	assert.Equal(t, 1, r.Len())

	assert.Equal(t, 1, r.Route(nil, &mqtt311.Message{Topic: "test/topic"}))
	assert.True(t, called)
}

func TestRouterHandleInvalidFilter(t *testing.T) {
	tests := []string{"", "a/#/b", "a+", "sport/tennis#"}

	for _, filter := range tests {
		t.Run(filter, func(t *testing.T) {
			r := New()
			_, err := r.Handle(nop, WithTopic(filter))
			assert.Error(t, err)
			assert.Zero(t, r.Len())
		})
	}
}

func TestRouterTopicMatching(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		topic   string
		matches bool
	}{
		{"exact", "sensors/temperature", "sensors/temperature", true},
		{"exact mismatch", "sensors/temperature", "sensors/humidity", false},
		{"single level", "sensors/+/value", "sensors/temp/value", true},
		{"single level mismatch", "sensors/+/value", "sensors/temp/other", false},
		{"multi level", "sensors/#", "sensors/room1/temp", true},
		{"multi level parent", "sensors/#", "sensors", true},
		{"multi level other root", "sensors/#", "actuators/valve", false},
		{"reserved topic hidden from wildcard", "#", "$SYS/uptime", false},
		{"reserved topic by name", "$SYS/uptime", "$SYS/uptime", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			var called bool
			mustHandle(t, r, func(*mqtt311.Connection, *mqtt311.Message) { called = true }, WithTopic(tt.filter))

			r.Route(nil, &mqtt311.Message{Topic: tt.topic})
			assert.Equal(t, tt.matches, called)
		})
	}
}

func TestRouterRegistrationOrder(t *testing.T) {
	r := New()

	var order []string
	record := func(name string) Handler {
		return func(*mqtt311.Connection, *mqtt311.Message) { order = append(order, name) }
	}

	mustHandle(t, r, record("first"), WithTopic("a/#"))
	mustHandle(t, r, record("second"), WithTopic("a/b"))
	mustHandle(t, r, record("third"), WithTopic("a/+"))
	mustHandle(t, r, record("fourth"), WithTopic("a/#"))
	mustHandle(t, r, record("other"), WithTopic("b/#"))

	assert.Equal(t, 4, r.Route(nil, &mqtt311.Message{Topic: "a/b"}))
	assert.Equal(t, []string{"first", "second", "third", "fourth"}, order)
}

func TestRouterRemove(t *testing.T) {
	r := New()

	var count atomic.Int32
	inc := func(*mqtt311.Connection, *mqtt311.Message) { count.Add(1) }

	first := mustHandle(t, r, inc, WithTopic("a/+"))
	second := mustHandle(t, r, inc, WithTopic("a/+"))
	only := mustHandle(t, r, inc, WithTopic("b"))

	assert.True(t, r.Remove(first))
	assert.False(t, r.Remove(first), "second removal")
	assert.False(t, r.Remove(ID(999)))

	r.Route(nil, &mqtt311.Message{Topic: "a/x"})
	assert.Equal(t, int32(1), count.Load())
	assert.Equal(t, []string{"a/+", "b"}, r.Filters())

	assert.True(t, r.Remove(only))
	assert.Equal(t, []string{"a/+"}, r.Filters())

	assert.True(t, r.Remove(second))
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Filters())
}

func TestRouterFilters(t *testing.T) {
	r := New()

	mustHandle(t, r, nop, WithTopic("b/#"))
	mustHandle(t, r, nop, WithTopic("a/+"))
	mustHandle(t, r, nop, WithTopic("a/+"))
	mustHandle(t, r, nop)

	assert.Equal(t, []string{"#", "a/+", "b/#"}, r.Filters())
	assert.Equal(t, 4, r.Len())
}

func TestRouterClear(t *testing.T) {
	r := New()
	first := mustHandle(t, r, nop, WithTopic("a"))
	mustHandle(t, r, nop, WithTopic("b"))

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Filters())
	assert.False(t, r.Remove(first))

	next := mustHandle(t, r, nop)
	assert.Greater(t, next, first, "ids are not reused after Clear")
}

func TestRouterNilMessage(t *testing.T) {
	r := New()

	var called bool
	mustHandle(t, r, func(*mqtt311.Connection, *mqtt311.Message) { called = true })

	assert.Zero(t, r.Route(nil, nil))
	assert.False(t, called)
}

func TestRouterConditions(t *testing.T) {
	msg := &mqtt311.Message{
		Topic:    "sensors/room1/temp",
		Payload:  []byte(`{"celsius":21.5}`),
		QoS:      1,
		Retain:   true,
		ClientID: "sensor-42",
	}

	tests := []struct {
		name    string
		opts    []ConditionOption
		matches bool
	}{
		{"no conditions", nil, true},
		{"qos match", []ConditionOption{WithQoS(1)}, true},
		{"qos mismatch", []ConditionOption{WithQoS(2)}, false},
		{"retain match", []ConditionOption{WithRetain(true)}, true},
		{"retain mismatch", []ConditionOption{WithRetain(false)}, false},
		{"client id match", []ConditionOption{WithClientID(regexp.MustCompile(`^sensor-\d+$`))}, true},
		{"client id mismatch", []ConditionOption{WithClientID(regexp.MustCompile(`^actuator-`))}, false},
		{"payload match", []ConditionOption{WithPayload(regexp.MustCompile(`"celsius"`))}, true},
		{"payload mismatch", []ConditionOption{WithPayload(regexp.MustCompile(`"fahrenheit"`))}, false},
		{"broker origin excludes clients", []ConditionOption{WithBrokerOrigin()}, false},
		{"username needs a connection", []ConditionOption{WithUsername(regexp.MustCompile(`.*`))}, false},
		{
			"all match",
			[]ConditionOption{
				WithTopic("sensors/+/temp"),
				WithQoS(1),
				WithClientID(regexp.MustCompile(`^sensor-`)),
			},
			true,
		},
		{
			"one of many mismatches",
			[]ConditionOption{
				WithTopic("sensors/+/temp"),
				WithQoS(0),
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			var called bool
			mustHandle(t, r, func(*mqtt311.Connection, *mqtt311.Message) { called = true }, tt.opts...)

			r.Route(nil, msg)
			assert.Equal(t, tt.matches, called)
		})
	}
}

func TestRouterBrokerOrigin(t *testing.T) {
	r := New()

	var topics []string
	mustHandle(t, r, func(_ *mqtt311.Connection, msg *mqtt311.Message) {
		topics = append(topics, msg.Topic)
	}, WithBrokerOrigin())

	r.Route(nil, &mqtt311.Message{Topic: "from/client", ClientID: "c1"})
	r.Route(nil, &mqtt311.Message{Topic: "from/broker"})

	assert.Equal(t, []string{"from/broker"}, topics)
}

func TestRouterServerOption(t *testing.T) {
	r := New()

	received := make(chan *mqtt311.Message, 1)
	mustHandle(t, r, func(_ *mqtt311.Connection, msg *mqtt311.Message) {
		received <- msg
	}, WithTopic("events/#"))

	srv := mqtt311.NewServer(r.ServerOption())
	t.Cleanup(func() { _ = srv.Close() })

	require.NoError(t, srv.Publish(&mqtt311.Message{Topic: "events/boot", Payload: []byte("up")}))

	select {
	case msg := <-received:
		assert.Equal(t, "events/boot", msg.Topic)
		assert.Equal(t, []byte("up"), msg.Payload)
	default:
		t.Fatal("router handler was not called")
	}
}

func TestRouterUsername(t *testing.T) {
	r := New()

	type routed struct {
		username string
		topic    string
	}
	received := make(chan routed, 2)
	mustHandle(t, r, func(from *mqtt311.Connection, msg *mqtt311.Message) {
		received <- routed{username: from.Username(), topic: msg.Topic}
	}, WithTopic("cmd/+"), WithUsername(regexp.MustCompile(`^ops-`)))

	srv := mqtt311.NewServer(r.ServerOption())
	t.Cleanup(func() { _ = srv.Close() })

	publishAs := func(username, topic string) {
		serverSide, clientSide := net.Pipe()
		defer clientSide.Close()
		go srv.ServeConn(serverSide)
		reader := bufio.NewReader(clientSide)

		require.NoError(t, clientSide.SetDeadline(time.Now().Add(5*time.Second)))
		_, err := mqtt311.WritePacket(clientSide, &mqtt311.ConnectPacket{
			ClientID:     username + "-client",
			CleanSession: true,
			Username:     username,
		}, 0)
		require.NoError(t, err)

		pkt, _, err := mqtt311.ReadPacket(reader, 0)
		require.NoError(t, err)
		require.Equal(t, &mqtt311.ConnackPacket{}, pkt)

		// PUBACK proves the broker finished handling the PUBLISH.
		_, err = mqtt311.WritePacket(clientSide, &mqtt311.PublishPacket{Topic: topic, QoS: 1, PacketID: 1}, 0)
		require.NoError(t, err)
		pkt, _, err = mqtt311.ReadPacket(reader, 0)
		require.NoError(t, err)
		require.Equal(t, &mqtt311.PubackPacket{PacketID: 1}, pkt)
	}

	publishAs("guest", "cmd/reboot")
	publishAs("ops-alice", "cmd/reboot")

	select {
	case got := <-received:
		assert.Equal(t, routed{username: "ops-alice", topic: "cmd/reboot"}, got)
	default:
		t.Fatal("router handler was not called")
	}
	assert.Empty(t, received, "guest publish must not be routed")
}

func TestRouterConcurrentAccess(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			_, err := r.Handle(nop, WithTopic("topic/"+string(rune('a'+i))))
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	for range 10 {
		wg.Go(func() {
			r.Route(nil, &mqtt311.Message{Topic: "topic/a"})
		})
	}
	wg.Wait()

	assert.Equal(t, 10, r.Len())
}
