package agent

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	sessions     *prometheus.CounterVec
	active       prometheus.Gauge
	relayedBytes *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rambo",
			Name:      "sessions_total",
			Help:      "Sessions completed, by outcome.",
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rambo",
			Name:      "sessions_active",
			Help:      "Sessions currently running.",
		}),
		relayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rambo",
			Name:      "relayed_bytes_total",
			Help:      "Bytes of child output relayed to the parent, by stream.",
		}, []string{"stream"}),
	}
	reg.MustRegister(m.sessions, m.active, m.relayedBytes)
	return m
}
