package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tickwire"

type Metrics struct {
	queueDepth   *prometheus.GaugeVec
	dispatched   *prometheus.CounterVec
	backpressure *prometheus.CounterVec
	panics       *prometheus.CounterVec
	connections  *prometheus.GaugeVec
	disconnects  *prometheus.CounterVec
	dropped      *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "queue_depth",
			Help:      "Messages left in the inbound queue after the last pump call.",
		}, []string{"channel"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "dispatched_total",
			Help:      "Messages dispatched to consumer callbacks.",
		}, []string{"channel", "kind"}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "backpressure_total",
			Help:      "Pump calls that hit the per-tick cap with messages still queued.",
		}, []string{"channel"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "callback_panics_total",
			Help:      "Consumer callbacks that panicked during dispatch.",
		}, []string{"channel"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Live connections per server.",
		}, []string{"server"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "disconnects_total",
			Help:      "Connections torn down, by reason.",
		}, []string{"server", "reason"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "dropped_datagrams_total",
			Help:      "Inbound datagrams dropped before reaching a connection, by reason.",
		}, []string{"server", "reason"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.queueDepth, m.dispatched, m.backpressure, m.panics,
			m.connections, m.disconnects, m.dropped,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) QueueDepth(channel string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(channel).Set(float64(n))
}

func (m *Metrics) Dispatched(channel, kind string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(channel, kind).Inc()
}

func (m *Metrics) Backpressure(channel string) {
	if m == nil {
		return
	}
	m.backpressure.WithLabelValues(channel).Inc()
}

func (m *Metrics) CallbackPanic(channel string) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(channel).Inc()
}

func (m *Metrics) Connections(server string, n int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(server).Set(float64(n))
}

func (m *Metrics) Disconnect(server, reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(server, reason).Inc()
}

func (m *Metrics) Dropped(server, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(server, reason).Inc()
}
