package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors for the poll loop, the prober and
// the notifier. All methods are nil-safe so components can run without
// metrics in tests.
type Metrics struct {
	gatherer prometheus.Gatherer

	CycleDuration prometheus.Histogram
	CycleErrors   prometheus.Counter
	Nodes         *prometheus.GaugeVec
	NodeClients   *prometheus.GaugeVec
	ProbeResults  *prometheus.CounterVec
	Alerts        *prometheus.CounterVec
	LocalClients  prometheus.Gauge
}

// New registers fleetwatch metrics against reg, defaulting to the global
// registry when nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		gatherer: gatherer,
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetwatch_poll_cycle_duration_seconds",
			Help:    "Duration of one poll cycle including node probes.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}),
		CycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_poll_cycle_errors_total",
			Help: "Poll cycles that failed to list nodes from the control plane.",
		}),
		Nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetwatch_nodes",
			Help: "Nodes in the latest snapshot by control-plane status.",
		}, []string{"status"}),
		NodeClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetwatch_node_clients",
			Help: "Live client count reported by each node.",
		}, []string{"node"}),
		ProbeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_probe_results_total",
			Help: "Node probe outcomes by the endpoint that answered.",
		}, []string{"via"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_alerts_total",
			Help: "Alerts dispatched by kind and delivery result.",
		}, []string{"kind", "result"}),
		LocalClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetwatch_local_port_unique_clients",
			Help: "Unique remote IPs connected to the monitored local port.",
		}),
	}

	collectors := []struct {
		name string
		c    prometheus.Collector
	}{
		{"fleetwatch_poll_cycle_duration_seconds", m.CycleDuration},
		{"fleetwatch_poll_cycle_errors_total", m.CycleErrors},
		{"fleetwatch_nodes", m.Nodes},
		{"fleetwatch_node_clients", m.NodeClients},
		{"fleetwatch_probe_results_total", m.ProbeResults},
		{"fleetwatch_alerts_total", m.Alerts},
		{"fleetwatch_local_port_unique_clients", m.LocalClients},
	}
	for _, entry := range collectors {
		if err := reg.Register(entry.c); err != nil {
			return nil, fmt.Errorf("register %s: %w", entry.name, err)
		}
	}

	return m, nil
}

// Handler exposes the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCycle(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
	if failed {
		m.CycleErrors.Inc()
	}
}

// SetNodes replaces the per-status node gauges and per-node client gauges.
func (m *Metrics) SetNodes(byStatus map[string]int, clients map[string]int) {
	if m == nil {
		return
	}
	m.Nodes.Reset()
	for status, n := range byStatus {
		m.Nodes.WithLabelValues(status).Set(float64(n))
	}
	m.NodeClients.Reset()
	for node, n := range clients {
		m.NodeClients.WithLabelValues(node).Set(float64(n))
	}
}

// ObserveProbe counts one probe outcome. via is "agent", "node" or "failed".
func (m *Metrics) ObserveProbe(via string) {
	if m == nil {
		return
	}
	m.ProbeResults.WithLabelValues(via).Inc()
}

func (m *Metrics) ObserveAlert(kind string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.Alerts.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SetLocalClients(n int) {
	if m == nil {
		return
	}
	m.LocalClients.Set(float64(n))
}
