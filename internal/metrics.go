package internal

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "interaction"

// Metrics Prometheus 指標
//
// nil *Metrics 是合法的，所有方法都不做事（測試與不需要指標的元件使用）。
type Metrics struct {
	roomsActive       prometheus.Gauge
	connectionsActive prometheus.Gauge
	admissions        *prometheus.CounterVec
	published         *prometheus.CounterVec
	dropped           prometheus.Counter
	framesDiscarded   *prometheus.CounterVec
	commands          *prometheus.CounterVec
}

// NewMetrics 建立並註冊指標
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "rooms",
			Name:      "active",
			Help:      "Number of rooms currently registered",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of admitted WebSocket sessions",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rooms",
			Name:      "admissions_total",
			Help:      "Join attempts by result",
		}, []string{"result"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "messages",
			Name:      "published_total",
			Help:      "Fragments published into room channels by kind",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "messages",
			Name:      "dropped_total",
			Help:      "Messages dropped from a full subscriber buffer",
		}),
		framesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "connections",
			Name:      "frames_discarded_total",
			Help:      "Inbound frames discarded by reason",
		}, []string{"reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Slash-command dispatches by command and result",
		}, []string{"command", "result"}),
	}

	collectors := []prometheus.Collector{
		m.roomsActive,
		m.connectionsActive,
		m.admissions,
		m.published,
		m.dropped,
		m.framesDiscarded,
		m.commands,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) setRooms(n int) {
	if m == nil {
		return
	}
	m.roomsActive.Set(float64(n))
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) admission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) publishedFragment(kind string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(kind).Inc()
}

func (m *Metrics) droppedMessage() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) frameDiscarded(reason string) {
	if m == nil {
		return
	}
	m.framesDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) command(name, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name, result).Inc()
}
