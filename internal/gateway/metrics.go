package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects pool activity. Register one against a Registerer and pass
// it to Manager.SetMetrics; a nil collector disables instrumentation.
type Metrics struct {
	created     prometheus.Counter
	released    prometheus.Counter
	errors      prometheus.Counter
	waitSeconds prometheus.Histogram
	size        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_clients_created_total",
			Help: "Exchange clients built by the pool.",
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_clients_released_total",
			Help: "Clients returned to the pool.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_acquire_errors_total",
			Help: "Failed acquire attempts.",
		}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_acquire_wait_seconds",
			Help:    "Time spent acquiring a client.",
			Buckets: prometheus.DefBuckets,
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pool_size",
			Help: "Clients currently held across pools.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.created, m.released, m.errors, m.waitSeconds, m.size)
	}
	return m
}
