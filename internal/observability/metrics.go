// Package observability holds the process-wide Prometheus metrics for the
// pipeline worker. Collectors are registered once on a dedicated registry so
// tests can construct isolated instances.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the worker exports.
type Metrics struct {
	Registry *prometheus.Registry

	LLMRequests *prometheus.CounterVec
	LLMTokens   *prometheus.CounterVec
	LLMLatency  prometheus.Histogram

	JobsProcessed    *prometheus.CounterVec
	JobsRequeued     prometheus.Counter
	JobsDeadLettered prometheus.Counter
	JobDuration      prometheus.Histogram

	QueueWaiting *prometheus.GaugeVec
	QueueActive  *prometheus.GaugeVec

	IngressAccepted prometheus.Counter
	IngressRejected *prometheus.CounterVec

	WorkItemsEmitted prometheus.Counter
	WorkItemsDeduped prometheus.Counter
}

// NewMetrics builds and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,

		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_llm_requests_total",
			Help: "LLM chat-completion requests by outcome.",
		}, []string{"outcome"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_llm_tokens_total",
			Help: "Token usage reported by the LLM provider.",
		}, []string{"kind"}),
		LLMLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "triage_llm_request_seconds",
			Help:    "Wall-clock duration of LLM calls including retries.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_pipeline_jobs_total",
			Help: "Pipeline jobs by terminal outcome.",
		}, []string{"outcome"}),
		JobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triage_pipeline_requeues_total",
			Help: "Jobs re-enqueued with delay after an LLM outage.",
		}),
		JobsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triage_pipeline_deadletters_total",
			Help: "Jobs moved to the dead-letter queue.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "triage_pipeline_job_seconds",
			Help:    "End-to-end pipeline job duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),

		QueueWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "triage_queue_waiting",
			Help: "Jobs waiting per queue.",
		}, []string{"queue"}),
		QueueActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "triage_queue_active",
			Help: "Jobs being processed per queue.",
		}, []string{"queue"}),

		IngressAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triage_ingress_accepted_total",
			Help: "Messages accepted and enqueued.",
		}),
		IngressRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_ingress_rejected_total",
			Help: "Messages rejected by reason.",
		}, []string{"reason"}),

		WorkItemsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triage_workitems_emitted_total",
			Help: "Work-item creations requested downstream.",
		}),
		WorkItemsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triage_workitems_deduped_total",
			Help: "Work-item emissions suppressed by the state fingerprint.",
		}),
	}

	registry.MustRegister(
		m.LLMRequests, m.LLMTokens, m.LLMLatency,
		m.JobsProcessed, m.JobsRequeued, m.JobsDeadLettered, m.JobDuration,
		m.QueueWaiting, m.QueueActive,
		m.IngressAccepted, m.IngressRejected,
		m.WorkItemsEmitted, m.WorkItemsDeduped,
	)
	return m
}
