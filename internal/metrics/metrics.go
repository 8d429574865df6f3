// Package metrics defines the Prometheus collectors exported by the
// coordinator and the storage nodes. Each instance owns its registry so
// several nodes can run in one process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "depot"

// Node holds the storage node's collectors.
type Node struct {
	Registry          *prometheus.Registry
	ActiveConnections prometheus.Gauge
	Commands          *prometheus.CounterVec
	ReapedConnections prometheus.Counter
}

// NewNode registers the node collectors labelled with nodeID.
func NewNode(nodeID string) *Node {
	labels := prometheus.Labels{"node": nodeID}
	m := &Node{
		Registry: prometheus.NewRegistry(),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "active_connections",
			Help:        "Connections currently being served.",
			ConstLabels: labels,
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "commands_total",
			Help:        "Wire commands handled, by command and result.",
			ConstLabels: labels,
		}, []string{"command", "result"}),
		ReapedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "reaped_connections_total",
			Help:        "Idle connections closed by the reaper.",
			ConstLabels: labels,
		}),
	}
	m.Registry.MustRegister(m.ActiveConnections, m.Commands, m.ReapedConnections)
	return m
}

// Handler serves the node registry.
func (m *Node) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Coordinator holds the coordinator's collectors.
type Coordinator struct {
	Registry         *prometheus.Registry
	NodeReachable    *prometheus.GaugeVec
	NodeLoad         *prometheus.GaugeVec
	NodeFailures     *prometheus.CounterVec
	NodeCallDuration *prometheus.HistogramVec
	Operations       *prometheus.CounterVec
	FailoverFiles    *prometheus.CounterVec
	EditLocks        prometheus.Gauge
}

// NewCoordinator registers the coordinator collectors plus the Go runtime
// and process collectors.
func NewCoordinator() *Coordinator {
	m := &Coordinator{
		Registry: prometheus.NewRegistry(),
		NodeReachable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_reachable",
			Help:      "1 when the health monitor considers the node reachable.",
		}, []string{"node"}),
		NodeLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_load",
			Help:      "Last load reported by the node.",
		}, []string{"node"}),
		NodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_failures_total",
			Help:      "Failed calls and probes, by node and source.",
		}, []string{"node", "source"}),
		NodeCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_call_duration_seconds",
			Help:      "Latency of wire calls to storage nodes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "File operations, by action and result.",
		}, []string{"action", "result"}),
		FailoverFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_files_total",
			Help:      "Files processed by failover and repair, by result.",
		}, []string{"result"}),
		EditLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "edit_locks",
			Help:      "Edit locks currently held.",
		}),
	}
	m.Registry.MustRegister(
		m.NodeReachable, m.NodeLoad, m.NodeFailures, m.NodeCallDuration,
		m.Operations, m.FailoverFiles, m.EditLocks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the coordinator registry.
func (m *Coordinator) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Result maps a success flag to the "result" label value.
func Result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
