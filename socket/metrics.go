package socket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus collectors of a Client.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "textsocket").
	Namespace string

	Subsystem string

	ConstLabels prometheus.Labels

	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

type MetricsOption func(*MetricsConfig)

func WithMetricsNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

func WithMetricsSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

func WithMetricsConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

func WithMetricsRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Metrics holds the collectors updated by a Client and its Dispatcher.
// A nil *Metrics records nothing.
type Metrics struct {
	framesSent      *prometheus.CounterVec
	framesQueued    prometheus.Counter
	framesDropped   prometheus.Counter
	framesReceived  *prometheus.CounterVec
	framesMalformed prometheus.Counter
	listenerPanics  *prometheus.CounterVec
	connectAttempts prometheus.Counter
	connectFailures prometheus.Counter
	reconnectsTotal prometheus.Counter
	queueDepth      prometheus.Gauge
	connected       prometheus.Gauge
}

func NewMetrics(opts ...MetricsOption) *Metrics {
	config := MetricsConfig{
		Namespace: "textsocket",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	counterVec := func(name, help, label string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, []string{label})
	}

	return &Metrics{
		framesSent:      counterVec("frames_sent_total", "Frames written to the transport", "action"),
		framesQueued:    counter("frames_queued_total", "Frames buffered while the transport was not open"),
		framesDropped:   counter("frames_dropped_total", "Queued frames discarded by disconnect or identity change"),
		framesReceived:  counterVec("frames_received_total", "Inbound frames decoded", "event"),
		framesMalformed: counter("frames_malformed_total", "Inbound frames dropped because they could not be decoded"),
		listenerPanics:  counterVec("listener_panics_total", "Listener invocations that panicked", "event"),
		connectAttempts: counter("connect_attempts_total", "Transport dial attempts"),
		connectFailures: counter("connect_failures_total", "Transport dials that failed before the session was ready"),
		reconnectsTotal: counter("reconnects_total", "Reconnect attempts scheduled after the transport closed"),
		queueDepth:      gauge("queue_depth", "Frames currently waiting for an open transport"),
		connected:       gauge("connected", "1 while the transport is open"),
	}
}

func (m *Metrics) frameSent(action Action) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) frameQueued(depth int) {
	if m == nil {
		return
	}
	m.framesQueued.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) framesDiscarded(n int) {
	if m == nil || n == 0 {
		return
	}
	m.framesDropped.Add(float64(n))
	m.queueDepth.Set(0)
}

func (m *Metrics) setQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) frameReceived(event Event) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(string(event)).Inc()
}

func (m *Metrics) frameMalformed() {
	if m == nil {
		return
	}
	m.framesMalformed.Inc()
}

func (m *Metrics) listenerPanicked(event Event) {
	if m == nil {
		return
	}
	m.listenerPanics.WithLabelValues(string(event)).Inc()
}

func (m *Metrics) connectAttempted() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) connectFailed() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) setConnected(open bool) {
	if m == nil {
		return
	}
	if open {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
