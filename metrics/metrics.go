package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is what the pipeline reports to. It also satisfies jsonrpc.Observer.
type Recorder interface {
	ObserveRPC(method, outcome string, elapsed time.Duration)

	IncSubmission(outcome string)
	IncFinalStatus(status string)
	IncSponsorship(outcome string)
	IncTrackerLoop()
}

// PipelineMetrics holds the Prometheus instruments of one pipeline.
type PipelineMetrics struct {
	rpcRequests     *prometheus.CounterVec
	rpcDuration     *prometheus.HistogramVec
	submissions     *prometheus.CounterVec
	finalStatuses   *prometheus.CounterVec
	sponsorships    *prometheus.CounterVec
	numTrackerLoops prometheus.Counter
}

const apNamespace = "ap_userop"

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	return &PipelineMetrics{
		rpcRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "rpc_requests_total",
				Help:      "JSON-RPC requests to the bundler and paymaster by method and outcome",
			}, []string{"method", "outcome"}),

		rpcDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Name:      "rpc_request_duration_seconds",
				Help:      "Latency of JSON-RPC requests",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),

		submissions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "submissions_total",
				Help:      "User operation submissions by outcome",
			}, []string{"outcome"}),

		finalStatuses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "final_status_total",
				Help:      "Terminal statuses observed for tracked user operations",
			}, []string{"status"}),

		sponsorships: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "sponsorship_total",
				Help:      "Paymaster sponsorship attempts by outcome",
			}, []string{"outcome"}),

		numTrackerLoops: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "tracker_loop_total",
				Help:      "Status tracker iterations. If it isn't increasing, the tracker is stuck",
			}),
	}
}

func (m *PipelineMetrics) ObserveRPC(method, outcome string, elapsed time.Duration) {
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *PipelineMetrics) IncSubmission(outcome string) {
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) IncFinalStatus(status string) {
	m.finalStatuses.WithLabelValues(status).Inc()
}

func (m *PipelineMetrics) IncSponsorship(outcome string) {
	m.sponsorships.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) IncTrackerLoop() {
	m.numTrackerLoops.Inc()
}

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveRPC(string, string, time.Duration) {}
func (Noop) IncSubmission(string)                     {}
func (Noop) IncFinalStatus(string)                    {}
func (Noop) IncSponsorship(string)                    {}
func (Noop) IncTrackerLoop()                          {}
