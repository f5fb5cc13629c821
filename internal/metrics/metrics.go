// Package metrics holds the Prometheus collectors for the control server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "espctl"

// Metrics contains the collectors shared by the registry and its engines.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	DevicesConnected prometheus.Gauge
	Handshakes       *prometheus.CounterVec // result: ok, failed
	Evictions        prometheus.Counter
	RequestsQueued   prometheus.Counter
	RequestsDropped  *prometheus.CounterVec // reason: unknown_device, oversize
	CommandsSent     *prometheus.CounterVec // direction: read, write, reserved
	Responses        prometheus.Counter
	IOErrors         *prometheus.CounterVec // op
	BadInstructions  *prometheus.CounterVec // op: read, write, dispatch
	ResponseLatency  prometheus.Histogram
	PoolWaiting      prometheus.Gauge
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		DevicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "devices_connected",
			Help:      "Number of devices currently registered",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "handshakes_total",
			Help:      "Device handshakes by result",
		}, []string{"result"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Connections replaced by a newer connection with the same identifier",
		}),
		RequestsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "requests_queued_total",
			Help:      "Operator requests enqueued on an engine",
		}),
		RequestsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "requests_dropped_total",
			Help:      "Operator requests dropped before reaching an engine",
		}, []string{"reason"}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "commands_sent_total",
			Help:      "Opcodes written to devices by direction",
		}, []string{"direction"}),
		Responses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "responses_total",
			Help:      "Response lines stored as results",
		}),
		IOErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "io_errors_total",
			Help:      "Socket failures inside the engine loop",
		}, []string{"op"}),
		BadInstructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "bad_instructions_total",
			Help:      "Requests rejected by strict dispatch",
		}, []string{"op"}),
		ResponseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "response_seconds",
			Help:      "Time from sending a read opcode to receiving the response line",
			Buckets:   prometheus.DefBuckets,
		}),
		PoolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "waiting",
			Help:      "Engines submitted to the worker pool and waiting for a slot",
		}),
	}
}

// Register adds every collector plus the Go runtime collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	cs := []prometheus.Collector{
		m.DevicesConnected,
		m.Handshakes,
		m.Evictions,
		m.RequestsQueued,
		m.RequestsDropped,
		m.CommandsSent,
		m.Responses,
		m.IOErrors,
		m.BadInstructions,
		m.ResponseLatency,
		m.PoolWaiting,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a fresh Prometheus registry with m registered.
func NewRegistry(m *Metrics) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// DeviceConnected adjusts the connected gauge.
func (m *Metrics) DeviceConnected(delta float64) {
	if m == nil {
		return
	}
	m.DevicesConnected.Add(delta)
}

// Handshake counts a handshake result.
func (m *Metrics) Handshake(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Handshakes.WithLabelValues(result).Inc()
}

// Evicted counts an eviction.
func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

// Queued counts an enqueued request.
func (m *Metrics) Queued() {
	if m == nil {
		return
	}
	m.RequestsQueued.Inc()
}

// Dropped counts a dropped request.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.RequestsDropped.WithLabelValues(reason).Inc()
}

// Sent counts an opcode written to a device.
func (m *Metrics) Sent(direction string) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(direction).Inc()
}

// Response counts a stored result and observes its latency.
// A zero latency (streaming lines) is not observed.
func (m *Metrics) Response(latency time.Duration) {
	if m == nil {
		return
	}
	m.Responses.Inc()
	if latency > 0 {
		m.ResponseLatency.Observe(latency.Seconds())
	}
}

// IOError counts a socket failure.
func (m *Metrics) IOError(op string) {
	if m == nil {
		return
	}
	m.IOErrors.WithLabelValues(op).Inc()
}

// BadInstruction counts a request rejected by strict dispatch.
func (m *Metrics) BadInstruction(op string) {
	if m == nil {
		return
	}
	m.BadInstructions.WithLabelValues(op).Inc()
}

// Waiting adjusts the pool waiting gauge.
func (m *Metrics) Waiting(delta float64) {
	if m == nil {
		return
	}
	m.PoolWaiting.Add(delta)
}
