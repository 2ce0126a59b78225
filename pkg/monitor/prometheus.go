package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromCollector bridges monitor events to Prometheus.
type PromCollector struct {
	events *prometheus.CounterVec
	online prometheus.Gauge
}

var _ Collector = (*PromCollector)(nil)

// NewPromCollector registers the connection metrics on reg.
func NewPromCollector(reg prometheus.Registerer) *PromCollector {
	factory := promauto.With(reg)
	c := &PromCollector{
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifier",
				Subsystem: "connection",
				Name:      "events_total",
				Help:      "Connection lifecycle events by kind and outcome",
			},
			[]string{"kind", "success"},
		),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "notifier",
			Subsystem: "network",
			Name:      "online",
			Help:      "Host connectivity as observed by the network state detector",
		}),
	}
	c.online.Set(1)
	return c
}

func (c *PromCollector) ObserveEvent(kind EventKind, success bool) {
	outcome := "false"
	if success {
		outcome = "true"
	}
	c.events.WithLabelValues(string(kind), outcome).Inc()
}

func (c *PromCollector) ObserveOnline(online bool) {
	if online {
		c.online.Set(1)
		return
	}
	c.online.Set(0)
}
