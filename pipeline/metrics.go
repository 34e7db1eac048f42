package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes Prometheus-compatible counters and histograms
// for a running pipeline, namespaced "anacostia_". Grounded on the
// teacher's promauto-based metrics builder, with the metric set
// re-derived for the node lifecycle (§4.1) and connector (§4.2) instead
// of the teacher's step-function engine.
type PrometheusMetrics struct {
	NodesInflight       *prometheus.GaugeVec
	NodeTransitions     *prometheus.CounterVec
	ExecuteLatencyMs    *prometheus.HistogramVec
	RetriesTotal        *prometheus.CounterVec
	SignalsSentTotal    *prometheus.CounterVec
	SignalsDroppedTotal *prometheus.CounterVec
	ConnectorRetries    *prometheus.CounterVec
}

// NewPrometheusMetrics registers every pipeline metric against registry.
//
// Metrics:
//   - anacostia_nodes_inflight (gauge): nodes currently EXECUTING. Labels: pipeline_id.
//   - anacostia_node_transitions_total (counter): status transitions. Labels: pipeline_id, node_id, status.
//   - anacostia_execute_latency_ms (histogram): EXECUTING duration. Labels: pipeline_id, node_id.
//   - anacostia_retries_total (counter): EXECUTING retry attempts. Labels: pipeline_id, node_id.
//   - anacostia_signals_sent_total (counter): signals delivered, local or remote. Labels: pipeline_id, kind.
//   - anacostia_signals_dropped_total (counter): stale signal drops (reason "stale"); signals evicted from a full inbox are not counted. Labels: pipeline_id, reason.
//   - anacostia_connector_retries_total (counter): registered for /signal delivery retry attempts; the connector's Sender does not increment it. Labels: remote_addr.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(registry)
	return &PrometheusMetrics{
		NodesInflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "anacostia",
			Name:      "nodes_inflight",
			Help:      "Number of nodes currently in the EXECUTING state.",
		}, []string{"pipeline_id"}),
		NodeTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anacostia",
			Name:      "node_transitions_total",
			Help:      "Count of node status transitions.",
		}, []string{"pipeline_id", "node_id", "status"}),
		ExecuteLatencyMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "anacostia",
			Name:      "execute_latency_ms",
			Help:      "Duration of a node's EXECUTING state in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"pipeline_id", "node_id"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anacostia",
			Name:      "retries_total",
			Help:      "Count of EXECUTING retry attempts.",
		}, []string{"pipeline_id", "node_id"}),
		SignalsSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anacostia",
			Name:      "signals_sent_total",
			Help:      "Count of signals delivered to local or remote successors.",
		}, []string{"pipeline_id", "kind"}),
		SignalsDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anacostia",
			Name:      "signals_dropped_total",
			Help:      "Count of signals dropped as stale.",
		}, []string{"pipeline_id", "reason"}),
		ConnectorRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anacostia",
			Name:      "connector_retries_total",
			Help:      "Count of /signal delivery retry attempts to a remote pipeline.",
		}, []string{"remote_addr"}),
	}
}
