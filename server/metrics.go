package server

import "github.com/prometheus/client_golang/prometheus"

// metrics groups the counters and gauges the handler and sweeper update.
// newMetrics registers them with prometheus.DefaultRegisterer. If a
// collector with the same name is already registered (another server in
// this process), the error is ignored rather than panicking: this
// instance keeps its own collector, which is then not exported.
type metrics struct {
	packetsDropped *prometheus.CounterVec
	naksSent       prometheus.Counter
	acksSent       prometheus.Counter
	offersSent     prometheus.Counter
	leasesActive   prometheus.Gauge
	sweepRuns      prometheus.Counter
	leasesExpired  prometheus.Counter
}

func newMetrics(namespace string) *metrics {
	m := &metrics{
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dhcp4",
			Name:      "packets_dropped_total",
			Help:      "DHCPv4 datagrams dropped by the server, by reason.",
		}, []string{"reason"}),
		naksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dhcp4",
			Name:      "naks_sent_total",
			Help:      "DHCPNAK replies sent.",
		}),
		acksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dhcp4",
			Name:      "acks_sent_total",
			Help:      "DHCPACK replies sent.",
		}),
		offersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dhcp4",
			Name:      "offers_sent_total",
			Help:      "DHCPOFFER replies sent.",
		}),
		leasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dhcp4",
			Name:      "leases_active",
			Help:      "Number of currently occupied lease slots.",
		}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dhcp4",
			Name:      "sweep_runs_total",
			Help:      "Number of completed expiry sweeps.",
		}),
		leasesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dhcp4",
			Name:      "leases_expired_total",
			Help:      "Number of leases reclaimed by the sweeper.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.packetsDropped, m.naksSent, m.acksSent, m.offersSent,
		m.leasesActive, m.sweepRuns, m.leasesExpired,
	} {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = are // another instance in this process registered it first
				continue
			}
		}
	}

	return m
}
