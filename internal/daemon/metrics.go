package daemon

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "diskd"

type metrics struct {
	events        *prometheus.CounterVec
	probeFailures prometheus.Counter
	authDecisions *prometheus.CounterVec
}

func newMetrics(d *Daemon, reg prometheus.Registerer) *metrics {
	m := &metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "device_events_total",
			Help:      "Device change notifications by kind.",
		}, []string{"kind"}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "probe_failures_total",
			Help:      "Device probes that failed.",
		}),
		authDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "authorization_decisions_total",
			Help:      "Authorization checks by action and result.",
		}, []string{"action", "result"}),
	}
	if reg == nil {
		return m
	}

	reg.MustRegister(
		m.events,
		m.probeFailures,
		m.authDecisions,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "devices",
			Help:      "Devices currently published.",
		}, func() float64 { return float64(d.deviceCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "polling_inhibitors",
			Help:      "Outstanding polling inhibitors.",
		}, func() float64 {
			d.mu.RLock()
			defer d.mu.RUnlock()
			return float64(len(d.inhibitors))
		}),
	)
	return m
}
