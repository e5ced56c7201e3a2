// Package metrics exposes session counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lockstep"

// Metrics holds the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ticks           prometheus.Counter
	ticksBehind     prometheus.Gauge
	speed           prometheus.Gauge
	eventsApplied   *prometheus.CounterVec
	eventsBroadcast prometheus.Counter
	lateEvents      prometheus.Gauge
	desyncs         *prometheus.CounterVec
	peers           prometheus.Gauge
}

// New creates and registers the collectors on reg. A nil reg gets a fresh
// registry.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Completed simulation ticks.",
		}),
		ticksBehind: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ticks_behind",
			Help: "Ticks the local simulation trails the host by.",
		}),
		speed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "speed",
			Help: "Speed last handed to the simulation.",
		}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_applied_total",
			Help: "Events applied to the simulation, by type.",
		}, []string{"type"}),
		eventsBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_broadcast_total",
			Help: "Events broadcast by the host.",
		}),
		lateEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "late_events",
			Help: "Events applied after their tick.",
		}),
		desyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "desyncs_total",
			Help: "Detected divergences, by reason.",
		}, []string{"reason"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers",
			Help: "Connected followers.",
		}),
	}
	collectors := []prometheus.Collector{
		m.ticks, m.ticksBehind, m.speed, m.eventsApplied,
		m.eventsBroadcast, m.lateEvents, m.desyncs, m.peers,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TickCompleted counts a tick and records the catch-up state after it.
func (m *Metrics) TickCompleted(behind int64, speed float64) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.ticksBehind.Set(float64(behind))
	m.speed.Set(speed)
}

// EventApplied counts one applied event.
func (m *Metrics) EventApplied(eventType string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(eventType).Inc()
}

// EventsBroadcast counts n events sent to followers.
func (m *Metrics) EventsBroadcast(n int) {
	if m == nil {
		return
	}
	m.eventsBroadcast.Add(float64(n))
}

// SetLateEvents records the running late event count.
func (m *Metrics) SetLateEvents(n uint64) {
	if m == nil {
		return
	}
	m.lateEvents.Set(float64(n))
}

// Desync counts a divergence.
func (m *Metrics) Desync(reason string) {
	if m == nil {
		return
	}
	m.desyncs.WithLabelValues(reason).Inc()
}

// SetPeers records the number of connected followers.
func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}
