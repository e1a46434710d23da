package mqtt311

import (
	"time"

	"golang.org/x/time/rate"
)

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	auth                   Authenticator
	authz                  Authorizer
	sessionStore           SessionStore
	logger                 Logger
	metrics                Metrics
	clock                  Clock
	maxConnections         int
	maxPacketSize          uint32
	maxQoS                 byte
	maxInflight            int
	connectTimeout         time.Duration
	writeTimeout           time.Duration
	keepAliveCheckInterval time.Duration
	keepAliveOverride      uint16
	assignClientID         bool
	publishRate            rate.Limit
	publishBurst           int
	onConnect              func(*Connection)
	onDisconnect           func(*Connection, DisconnectReason)
	onMessage              func(*Connection, *Message)
	onSubscribe            func(*Connection, []Subscription, []byte)
	onUnsubscribe          func(*Connection, []string)
}

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		logger:                 NewNoOpLogger(),
		metrics:                &NoOpMetrics{},
		clock:                  SystemClock(),
		maxPacketSize:          256 * 1024, // 256KB
		maxQoS:                 2,
		maxInflight:            1000,
		connectTimeout:         10 * time.Second,
		writeTimeout:           30 * time.Second,
		keepAliveCheckInterval: time.Second,
		publishRate:            rate.Inf,
	}
}

// WithAuthenticator sets the CONNECT authenticator. Without one every
// client is accepted.
func WithAuthenticator(auth Authenticator) ServerOption {
	return func(c *serverConfig) {
		c.auth = auth
	}
}

// WithAuthorizer sets the publish and subscribe authorizer.
func WithAuthorizer(authz Authorizer) ServerOption {
	return func(c *serverConfig) {
		c.authz = authz
	}
}

// WithSessionStore sets the store used to persist retained sessions.
func WithSessionStore(store SessionStore) ServerOption {
	return func(c *serverConfig) {
		c.sessionStore = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) ServerOption {
	return func(c *serverConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) ServerOption {
	return func(c *serverConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock sets the time source for keep-alive and connect timeouts.
func WithClock(clock Clock) ServerOption {
	return func(c *serverConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMaxConnections sets the maximum number of connected clients.
// 0 means unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(c *serverConfig) {
		c.maxConnections = n
	}
}

// WithMaxPacketSize sets the largest remaining length accepted from clients.
// 0 means the protocol limit.
func WithMaxPacketSize(size uint32) ServerOption {
	return func(c *serverConfig) {
		c.maxPacketSize = size
	}
}

// WithMaxQoS caps the QoS granted to subscriptions.
func WithMaxQoS(qos byte) ServerOption {
	return func(c *serverConfig) {
		if qos <= 2 {
			c.maxQoS = qos
		}
	}
}

// WithMaxInflight caps the unacknowledged QoS 1 and 2 deliveries queued per
// session. 0 means unlimited.
func WithMaxInflight(n int) ServerOption {
	return func(c *serverConfig) {
		c.maxInflight = n
	}
}

// WithConnectTimeout sets how long a new connection may wait before CONNECT.
func WithConnectTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.connectTimeout = d
	}
}

// WithWriteTimeout sets the write deadline for transports that support one.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.writeTimeout = d
	}
}

// WithKeepAliveCheckInterval sets how often deadlines are checked.
func WithKeepAliveCheckInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		if d > 0 {
			c.keepAliveCheckInterval = d
		}
	}
}

// WithServerKeepAlive sets the server keep-alive override.
// When set, it replaces the interval requested by every client.
func WithServerKeepAlive(seconds uint16) ServerOption {
	return func(c *serverConfig) {
		c.keepAliveOverride = seconds
	}
}

// WithClientIDAssignment lets clients with CleanSession=1 connect with an
// empty client identifier; the server assigns a random one.
func WithClientIDAssignment(enabled bool) ServerOption {
	return func(c *serverConfig) {
		c.assignClientID = enabled
	}
}

// WithPublishRateLimit limits inbound PUBLISH packets per connection.
func WithPublishRateLimit(limit rate.Limit, burst int) ServerOption {
	return func(c *serverConfig) {
		if burst < 1 {
			burst = 1
		}
		c.publishRate = limit
		c.publishBurst = burst
	}
}

// OnConnect sets the callback for accepted connections.
func OnConnect(fn func(*Connection)) ServerOption {
	return func(c *serverConfig) {
		c.onConnect = fn
	}
}

// OnDisconnect sets the callback for the end of accepted connections.
func OnDisconnect(fn func(*Connection, DisconnectReason)) ServerOption {
	return func(c *serverConfig) {
		c.onDisconnect = fn
	}
}

// OnMessage sets the callback for messages released for delivery. The
// connection is nil for messages injected with Server.Publish.
func OnMessage(fn func(*Connection, *Message)) ServerOption {
	return func(c *serverConfig) {
		c.onMessage = fn
	}
}

// OnSubscribe sets the callback for SUBSCRIBE requests. It receives the
// requested subscriptions and the SUBACK return codes.
func OnSubscribe(fn func(*Connection, []Subscription, []byte)) ServerOption {
	return func(c *serverConfig) {
		c.onSubscribe = fn
	}
}

// OnUnsubscribe sets the callback for UNSUBSCRIBE requests.
func OnUnsubscribe(fn func(*Connection, []string)) ServerOption {
	return func(c *serverConfig) {
		c.onUnsubscribe = fn
	}
}
