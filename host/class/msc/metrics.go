package msc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	commands   *prometheus.CounterVec
	recoveries *prometheus.CounterVec
	stalls     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDepth prometheus.Gauge
}

// NewMetrics registers the engine collectors on reg. Devices sharing one
// Metrics aggregate into the same series.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "umass_commands_total",
			Help: "Commands completed, by wire protocol and outcome.",
		}, []string{"wire", "outcome"}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "umass_recoveries_total",
			Help: "Reset recovery sequences started, by wire protocol and reason.",
		}, []string{"wire", "reason"}),
		stalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "umass_stalls_cleared_total",
			Help: "Data and status stage stalls cleared.",
		}, []string{"wire"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "umass_command_duration_seconds",
			Help:    "Time from dequeue to completion of commands that reached the wire.",
			Buckets: prometheus.DefBuckets,
		}, []string{"wire"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "umass_queue_depth",
			Help: "Commands waiting behind the active transaction.",
		}),
	}
}

func (m *Metrics) command(wire WireProtocol, s Status) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(wire.String(), s.String()).Inc()
}

func (m *Metrics) observe(wire WireProtocol, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(wire.String()).Observe(d.Seconds())
}

func (m *Metrics) recovery(wire WireProtocol, reason string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(wire.String(), reason).Inc()
}

func (m *Metrics) stallCleared(wire WireProtocol) {
	if m == nil {
		return
	}
	m.stalls.WithLabelValues(wire.String()).Inc()
}

func (m *Metrics) queued(delta int) {
	if m == nil {
		return
	}
	m.queueDepth.Add(float64(delta))
}
