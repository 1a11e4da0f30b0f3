// Package metrics exposes Prometheus collectors for the presence service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "presence"

// Metrics groups the service collectors
type Metrics struct {
	connectionsActive   prometheus.Gauge
	connectionsRejected *prometheus.CounterVec
	locationReports     prometheus.Counter
	protocolViolations  prometheus.Counter
	emissions           *prometheus.CounterVec
	dispatchRecipients  *prometheus.HistogramVec

	reg prometheus.Registerer
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of authenticated real-time connections",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections rejected during the handshake, by reason",
		}, []string{"reason"}),
		locationReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_reports_total",
			Help:      "Accepted location reports",
		}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Connections force-closed for sending an invalid frame",
		}),
		emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emissions_total",
			Help:      "Events emitted to connections, by kind and outcome",
		}, []string{"kind", "outcome"}),
		dispatchRecipients: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_recipients",
			Help:      "Live connections resolved per dispatch",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}, []string{"mode"}),
		reg: reg,
	}

	reg.MustRegister(
		m.connectionsActive,
		m.connectionsRejected,
		m.locationReports,
		m.protocolViolations,
		m.emissions,
		m.dispatchRecipients,
	)
	return m
}

// ConnectionOpened marks a connection as active
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

// ConnectionClosed marks an active connection as closed
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// ConnectionRejected counts a failed handshake
func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

// LocationReported counts an accepted location report
func (m *Metrics) LocationReported() {
	if m == nil {
		return
	}
	m.locationReports.Inc()
}

// ProtocolViolation counts a forced close
func (m *Metrics) ProtocolViolation() {
	if m == nil {
		return
	}
	m.protocolViolations.Inc()
}

// Emitted counts one emission attempt
func (m *Metrics) Emitted(kind string, delivered bool) {
	if m == nil {
		return
	}
	outcome := "sent"
	if !delivered {
		outcome = "dropped"
	}
	m.emissions.WithLabelValues(kind, outcome).Inc()
}

// Dispatched records how many live connections a dispatch resolved
func (m *Metrics) Dispatched(mode string, recipients int) {
	if m == nil {
		return
	}
	m.dispatchRecipients.WithLabelValues(mode).Observe(float64(recipients))
}

// GaugeFunc registers a gauge read from fn at scrape time
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
