package mqtt311

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting broker metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Value() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter {
	return noOpCounter{}
}

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge {
	return noOpGauge{}
}

type noOpCounter struct{}

func (noOpCounter) Inc()           {}
func (noOpCounter) Add(_ float64)  {}
func (noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (noOpGauge) Set(_ float64)  {}
func (noOpGauge) Inc()           {}
func (noOpGauge) Dec()           {}
func (noOpGauge) Add(_ float64)  {}
func (noOpGauge) Value() float64 { return 0 }

// Standard metric names.
const (
	MetricConnections       = "mqtt_connections"
	MetricConnectionsTotal  = "mqtt_connections_total"
	MetricConnectsRejected  = "mqtt_connects_rejected_total"
	MetricMessagesReceived  = "mqtt_messages_received_total"
	MetricMessagesSent      = "mqtt_messages_sent_total"
	MetricMessagesDropped   = "mqtt_messages_dropped_total"
	MetricSubscriptions     = "mqtt_subscriptions"
	MetricSessions          = "mqtt_sessions"
	MetricProtocolErrors    = "mqtt_protocol_errors_total"
	MetricKeepAliveTimeouts = "mqtt_keep_alive_timeouts_total"
)

// Standard metric labels.
const (
	LabelQoS        = "qos"
	LabelReturnCode = "return_code"
	LabelKind       = "kind"
)

// BrokerMetrics provides convenience methods for common broker metrics.
type BrokerMetrics struct {
	metrics Metrics
}

// NewBrokerMetrics creates a new BrokerMetrics instance.
func NewBrokerMetrics(m Metrics) *BrokerMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &BrokerMetrics{metrics: m}
}

func qosLabel(qos byte) MetricLabels {
	return MetricLabels{LabelQoS: string(rune('0' + qos))}
}

// ConnectionOpened records an accepted CONNECT.
func (b *BrokerMetrics) ConnectionOpened() {
	b.metrics.Gauge(MetricConnections, nil).Inc()
	b.metrics.Counter(MetricConnectionsTotal, nil).Inc()
}

// ConnectionClosed records the end of an accepted connection.
func (b *BrokerMetrics) ConnectionClosed() {
	b.metrics.Gauge(MetricConnections, nil).Dec()
}

// ConnectRejected records a CONNECT answered with a refusal code.
func (b *BrokerMetrics) ConnectRejected(code ConnackCode) {
	b.metrics.Counter(MetricConnectsRejected, MetricLabels{LabelReturnCode: code.String()}).Inc()
}

// MessageReceived records an inbound PUBLISH released for delivery.
func (b *BrokerMetrics) MessageReceived(qos byte) {
	b.metrics.Counter(MetricMessagesReceived, qosLabel(qos)).Inc()
}

// MessageSent records an outbound PUBLISH written to a connection.
func (b *BrokerMetrics) MessageSent(qos byte) {
	b.metrics.Counter(MetricMessagesSent, qosLabel(qos)).Inc()
}

// MessageDropped records a delivery that could not be queued or written.
func (b *BrokerMetrics) MessageDropped(qos byte) {
	b.metrics.Counter(MetricMessagesDropped, qosLabel(qos)).Inc()
}

// SetSubscriptions records the current number of index entries.
func (b *BrokerMetrics) SetSubscriptions(n int) {
	b.metrics.Gauge(MetricSubscriptions, nil).Set(float64(n))
}

// SetSessions records the current number of live sessions.
func (b *BrokerMetrics) SetSessions(n int) {
	b.metrics.Gauge(MetricSessions, nil).Set(float64(n))
}

// ProtocolError records a connection closed for a protocol error.
func (b *BrokerMetrics) ProtocolError(kind error) {
	label := "other"
	if kind != nil {
		label = kind.Error()
	}
	b.metrics.Counter(MetricProtocolErrors, MetricLabels{LabelKind: label}).Inc()
}

// KeepAliveTimeout records a connection dropped for silence.
func (b *BrokerMetrics) KeepAliveTimeout() {
	b.metrics.Counter(MetricKeepAliveTimeouts, nil).Inc()
}
