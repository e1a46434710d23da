package mqtt311

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrServerClosed        = errors.New("server closed")
	ErrServerRunning       = errors.New("server already running")
	ErrMaxConnections      = rejection("maximum connections reached")
	ErrIdentifierRejected  = rejection("client identifier rejected")
	ErrNotAuthorized       = rejection("not authorized")
	ErrUnsupportedProtocol = rejection("unsupported protocol level")

	errConnectRefused = errors.New("connect refused")
)

// assignedClientIDPrefix prefixes identifiers generated for clients that
// connect with an empty one.
const assignedClientIDPrefix = "auto-"

// Server is an MQTT 3.1.1 broker. Transports hand it connections, either as
// a net.Conn through Serve and ServeConn or as pushed bytes through
// NewConnection and Connection.Feed.
type Server struct {
	config    *serverConfig
	log       Logger
	metrics   *BrokerMetrics
	subs      *SubscriptionIndex
	sessions  *SessionTable
	keepAlive *KeepAliveManager

	mu        sync.Mutex
	conns     map[uint64]*Connection
	listeners []Listener
	connSeq   atomic.Uint64
	clients   atomic.Int64

	running atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewServer creates a broker. Call Start to run background checks, then
// Serve on one or more listeners.
func NewServer(opts ...ServerOption) *Server {
	config := defaultServerConfig()
	for _, opt := range opts {
		opt(config)
	}

	keepAlive := NewKeepAliveManager(config.clock)
	if config.keepAliveOverride > 0 {
		keepAlive.SetServerOverride(config.keepAliveOverride)
	}

	subs := NewSubscriptionIndex()

	return &Server{
		config:    config,
		log:       config.logger,
		metrics:   NewBrokerMetrics(config.metrics),
		subs:      subs,
		sessions:  NewSessionTable(subs, config.sessionStore, config.clock, config.maxInflight),
		keepAlive: keepAlive,
		conns:     make(map[uint64]*Connection),
		done:      make(chan struct{}),
	}
}

// Start launches the keep-alive and connect-timeout checks.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	s.wg.Add(1)
	go s.keepAliveLoop()

	return nil
}

// Serve accepts connections from l until the server is closed.
func (s *Server) Serve(l Listener) error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.log.Info("listening", LogFields{"addr": l.Addr().String()})

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// Back off so a persistent accept error does not spin.
			s.log.Warn("accept failed", LogFields{LogFieldError: err.Error()})
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn runs the read loop for one stream connection and returns when
// the connection ends.
func (s *Server) ServeConn(conn net.Conn) {
	c := s.NewConnection(conn)
	if c == nil {
		_ = conn.Close()
		return
	}

	r := bufio.NewReader(conn)
	for {
		pkt, _, err := ReadPacket(r, s.config.maxPacketSize)
		if err != nil {
			c.Close(err)
			return
		}
		if err := c.handle(pkt); err != nil {
			return
		}
		if c.closed.Load() {
			return
		}
	}
}

// NewConnection registers a transport connection that pushes its bytes with
// Connection.Feed. It returns nil once the server is closed.
func (s *Server) NewConnection(link Link) *Connection {
	if s.closed.Load() {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		server: s,
		id:     s.connSeq.Add(1),
		link:   link,
		opened: s.config.clock.Now(),
		ctx:    ctx,
		cancel: cancel,
	}
	if s.config.publishRate != rate.Inf {
		c.limiter = rate.NewLimiter(s.config.publishRate, s.config.publishBurst)
	}
	c.log = s.log.WithFields(LogFields{LogFieldRemoteAddr: addrString(link.RemoteAddr())})

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	return c
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Close stops the listeners, disconnects every client and waits for the
// background workers.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, c := range conns {
		c.shutdown(ReasonShutdown, nil)
	}

	s.wg.Wait()
	s.running.Store(false)

	return errors.Join(errs...)
}

// Publish injects a broker-originated message into fan-out.
func (s *Server) Publish(msg *Message) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if err := ValidateTopicName(msg.Topic); err != nil {
		return err
	}
	if msg.QoS > 2 {
		return ErrInvalidQoS
	}

	out := *msg
	out.ClientID = ""
	s.dispatch(nil, out)
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return int(s.clients.Load())
}

// SessionCount returns the number of live sessions, connected or not.
func (s *Server) SessionCount() int {
	return s.sessions.Len()
}

// Session returns the live session for a client identity.
func (s *Server) Session(clientID string) (*Session, bool) {
	return s.sessions.Get(clientID)
}

// Subscriptions exposes the subscription index for inspection.
func (s *Server) Subscriptions() *SubscriptionIndex {
	return s.subs
}

func (s *Server) keepAliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.keepAliveCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.expireKeepAlives()
			s.expirePendingConnects()
		}
	}
}

// expireKeepAlives disconnects every client silent past its deadline.
func (s *Server) expireKeepAlives() {
	for _, lease := range s.keepAlive.Expired() {
		var c *Connection
		if sess, ok := s.sessions.Get(lease.ClientID); ok {
			c = sess.connection()
		}

		// The entry belongs to a connection that is gone or was taken over.
		if c == nil || c.id != lease.Owner {
			s.keepAlive.Unregister(lease.ClientID, lease.Owner)
			continue
		}

		s.metrics.KeepAliveTimeout()
		c.logger().Info("keep-alive expired", LogFields{LogFieldClientID: lease.ClientID})
		c.shutdown(ReasonKeepAlive, nil)
	}
}

// expirePendingConnects closes connections that never sent CONNECT.
func (s *Server) expirePendingConnects() {
	if s.config.connectTimeout <= 0 {
		return
	}

	now := s.config.clock.Now()
	var stale []*Connection

	s.mu.Lock()
	for _, c := range s.conns {
		if !c.connected.Load() && now.Sub(c.opened) > s.config.connectTimeout {
			stale = append(stale, c)
		}
	}
	s.mu.Unlock()

	for _, c := range stale {
		c.logger().Debug("connect timeout", nil)
		c.shutdown(ReasonTransport, nil)
	}
}

// handlePacket routes one decoded packet. A returned error closes the
// connection.
func (s *Server) handlePacket(c *Connection, pkt Packet) error {
	connect, isConnect := pkt.(*ConnectPacket)

	if !c.connected.Load() {
		if !isConnect {
			return ErrNotConnected
		}
		return s.handleConnect(c, connect)
	}
	if isConnect {
		return ErrSecondConnect
	}

	sess := c.Session()
	clientID := sess.ClientID()

	// A deadline that passed while the packet was in transit still counts.
	if s.keepAlive.IsExpired(clientID) {
		s.metrics.KeepAliveTimeout()
		c.shutdown(ReasonKeepAlive, nil)
		return nil
	}
	s.keepAlive.Touch(clientID, c.id)

	switch p := pkt.(type) {
	case *PublishPacket:
		return s.handlePublish(c, sess, p)

	case *PubackPacket:
		if !sess.acknowledge(p.PacketID) {
			c.logger().Debug("unknown PUBACK", LogFields{LogFieldPacketID: p.PacketID})
		}
		return nil

	case *PubrecPacket:
		if !sess.received(p.PacketID) {
			c.logger().Debug("unexpected PUBREC", LogFields{LogFieldPacketID: p.PacketID})
		}
		return c.writePacket(&PubrelPacket{PacketID: p.PacketID})

	case *PubrelPacket:
		if msg, ok := sess.release(p.PacketID); ok {
			s.dispatch(c, msg)
		}
		return c.writePacket(&PubcompPacket{PacketID: p.PacketID})

	case *PubcompPacket:
		if !sess.complete(p.PacketID) {
			c.logger().Debug("unknown PUBCOMP", LogFields{LogFieldPacketID: p.PacketID})
		}
		return nil

	case *SubscribePacket:
		return s.handleSubscribe(c, sess, p)

	case *UnsubscribePacket:
		return s.handleUnsubscribe(c, sess, p)

	case *PingreqPacket:
		return c.writePacket(&PingrespPacket{})

	case *DisconnectPacket:
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedPacket, pkt.Type())
	}
}

func (s *Server) refuse(c *Connection, code ConnackCode, cause error) error {
	s.metrics.ConnectRejected(code)
	c.logger().Info("connect refused", LogFields{
		LogFieldReturnCode: code.String(),
		LogFieldError:      cause.Error(),
	})
	_ = c.writePacket(&ConnackPacket{ReturnCode: code})
	return fmt.Errorf("%w: %w", errConnectRefused, cause)
}

func (s *Server) handleConnect(c *Connection, p *ConnectPacket) error {
	if !p.SupportedProtocol() {
		return s.refuse(c, ConnackUnacceptableProtocol, ErrUnsupportedProtocol)
	}

	clientID := p.ClientID
	if clientID == "" {
		if !p.CleanSession || !s.config.assignClientID {
			return s.refuse(c, ConnackIdentifierRejected, ErrIdentifierRejected)
		}
		clientID = assignedClientIDPrefix + uuid.NewString()
	}

	if s.config.auth != nil {
		result, err := s.config.auth.Authenticate(c.ctx, &AuthContext{
			ClientID:     clientID,
			Username:     p.Username,
			Password:     p.Password,
			HasUsername:  p.HasUsername(),
			HasPassword:  p.HasPassword(),
			RemoteAddr:   c.RemoteAddr(),
			CleanSession: p.CleanSession,
		})
		if err != nil {
			return s.refuse(c, ConnackServerUnavailable, fmt.Errorf("authenticate: %w", err))
		}
		if !result.Success {
			code := result.ReturnCode
			if code == ConnackAccepted {
				code = ConnackBadUsernameOrPassword
			}
			return s.refuse(c, code, ErrNotAuthorized)
		}
	}

	if s.config.maxConnections > 0 && s.ClientCount() >= s.config.maxConnections {
		return s.refuse(c, ConnackServerUnavailable, ErrMaxConnections)
	}

	sess, present, displaced, err := s.sessions.Open(c.ctx, clientID, p.CleanSession)
	if err != nil {
		return s.refuse(c, ConnackServerUnavailable, err)
	}
	if displaced != nil {
		displaced.shutdown(ReasonTakeover, nil)
	}

	keepAlive := s.keepAlive.Register(clientID, c.id, p.KeepAlive)

	c.mu.Lock()
	c.session = sess
	c.clientID = clientID
	c.username = p.Username
	c.connect = p
	c.log = c.log.WithFields(LogFields{LogFieldClientID: clientID})
	c.mu.Unlock()

	c.connected.Store(true)
	s.clients.Add(1)
	s.metrics.ConnectionOpened()

	prev, err := sess.attach(c, p.CleanSession, keepAlive, &ConnackPacket{SessionPresent: present})
	if prev != nil {
		prev.shutdown(ReasonTakeover, nil)
	}
	if err != nil {
		return err
	}

	s.metrics.SetSessions(s.sessions.Len())
	c.logger().Info("client connected", LogFields{
		"clean_session":   p.CleanSession,
		"session_present": present,
		"keep_alive":      keepAlive,
	})

	if s.config.onConnect != nil {
		s.config.onConnect(c)
	}
	return nil
}

func (s *Server) authorize(c *Connection, action AuthzAction, topic string, qos byte, retain bool) (bool, byte) {
	if s.config.authz == nil {
		return true, 2
	}

	result, err := s.config.authz.Authorize(c.ctx, &AuthzContext{
		ClientID:   c.ClientID(),
		Username:   c.Username(),
		Topic:      topic,
		Action:     action,
		QoS:        qos,
		Retain:     retain,
		RemoteAddr: c.RemoteAddr(),
	})
	if err != nil {
		c.logger().Warn("authorization failed", LogFields{
			LogFieldTopic: topic,
			LogFieldError: err.Error(),
		})
		return false, 0
	}
	if result == nil || !result.Allowed {
		return false, 0
	}
	return true, result.MaxQoS
}

func (s *Server) handlePublish(c *Connection, sess *Session, p *PublishPacket) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return nil
		}
	}

	msg := *p.ToMessage()
	msg.ClientID = sess.ClientID()

	allowed, _ := s.authorize(c, AuthzActionPublish, msg.Topic, msg.QoS, msg.Retain)
	if !allowed {
		c.logger().Debug("publish denied", LogFields{LogFieldTopic: msg.Topic})
	}

	switch p.QoS {
	case 0:
		if allowed {
			s.dispatch(c, msg)
		}
		return nil

	case 1:
		if allowed {
			s.dispatch(c, msg)
		}
		return c.writePacket(&PubackPacket{PacketID: p.PacketID})

	default:
		// The message is held until PUBREL; a duplicate PUBLISH is only
		// acknowledged again.
		if allowed {
			sess.receiveExactlyOnce(p.PacketID, msg)
		}
		return c.writePacket(&PubrecPacket{PacketID: p.PacketID})
	}
}

// dispatch fans msg out to every matching session. from is nil for
// broker-originated messages.
func (s *Server) dispatch(from *Connection, msg Message) {
	s.metrics.MessageReceived(msg.QoS)

	if s.config.onMessage != nil {
		s.config.onMessage(from, msg.Clone())
	}

	for _, sub := range s.subs.Match(msg.Topic) {
		sess, ok := s.sessions.Resolve(sub.Handle)
		if !ok {
			continue
		}

		qos := min(msg.QoS, sub.QoS)
		out := Message{
			Topic:    msg.Topic,
			Payload:  msg.Payload,
			QoS:      qos,
			ClientID: msg.ClientID,
		}

		written, err := sess.deliver(out, qos)
		switch {
		case err != nil:
			s.metrics.MessageDropped(qos)
			s.log.Debug("delivery dropped", LogFields{
				LogFieldClientID: sess.ClientID(),
				LogFieldTopic:    msg.Topic,
				LogFieldError:    err.Error(),
			})
		case written:
			s.metrics.MessageSent(qos)
		case qos == 0:
			s.metrics.MessageDropped(qos)
		}
	}
}

func (s *Server) handleSubscribe(c *Connection, sess *Session, p *SubscribePacket) error {
	// Every filter is checked before any is applied.
	for _, sub := range p.Subscriptions {
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return err
		}
	}

	codes := make([]byte, len(p.Subscriptions))
	for i, sub := range p.Subscriptions {
		allowed, maxQoS := s.authorize(c, AuthzActionSubscribe, sub.TopicFilter, sub.QoS, false)
		if !allowed {
			codes[i] = SubackFailure
			continue
		}

		granted := min(sub.QoS, s.config.maxQoS, maxQoS)
		if _, err := sess.subscribe(s.subs, sub.TopicFilter, granted); err != nil {
			c.logger().Warn("subscribe failed", LogFields{
				LogFieldTopic: sub.TopicFilter,
				LogFieldError: err.Error(),
			})
			codes[i] = SubackFailure
			continue
		}
		codes[i] = granted
	}

	s.metrics.SetSubscriptions(s.subs.Count())

	if s.config.onSubscribe != nil {
		s.config.onSubscribe(c, p.Subscriptions, codes)
	}

	return c.writePacket(&SubackPacket{PacketID: p.PacketID, ReturnCodes: codes})
}

func (s *Server) handleUnsubscribe(c *Connection, sess *Session, p *UnsubscribePacket) error {
	for _, filter := range p.TopicFilters {
		sess.unsubscribe(s.subs, filter)
	}

	s.metrics.SetSubscriptions(s.subs.Count())

	if s.config.onUnsubscribe != nil {
		s.config.onUnsubscribe(c, p.TopicFilters)
	}

	return c.writePacket(&UnsubackPacket{PacketID: p.PacketID})
}

// connectionClosed runs once per connection after its link is closed.
func (s *Server) connectionClosed(c *Connection, reason DisconnectReason, cause error) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	if !c.connected.Load() {
		return
	}

	fields := LogFields{LogFieldReason: reason.String()}
	if cause != nil {
		fields[LogFieldError] = cause.Error()
	}

	if reason == ReasonProtocolError {
		s.metrics.ProtocolError(ErrorKind(cause))
	}

	sess := c.Session()
	if sess.detach(c) {
		s.keepAlive.Unregister(sess.ClientID(), c.id)

		ctx := context.Background()
		if sess.Clean() {
			if err := s.sessions.Destroy(ctx, sess); err != nil {
				s.log.Error("session cleanup failed", LogFields{
					LogFieldClientID: sess.ClientID(),
					LogFieldError:    err.Error(),
				})
			}
		} else if err := s.sessions.Persist(ctx, sess); err != nil {
			s.log.Error("session save failed", LogFields{
				LogFieldClientID: sess.ClientID(),
				LogFieldError:    err.Error(),
			})
		}
	}

	s.clients.Add(-1)
	s.metrics.ConnectionClosed()
	s.metrics.SetSessions(s.sessions.Len())
	s.metrics.SetSubscriptions(s.subs.Count())

	// TODO: publish c.Will() here when !reason.Graceful() once will delivery
	// is supported.
	c.logger().Info("client disconnected", fields)

	if s.config.onDisconnect != nil {
		s.config.onDisconnect(c, reason)
	}
}
