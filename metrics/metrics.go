// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailprobe"

var (
	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verdicts produced, by validity and confidence.",
		},
		[]string{"valid", "confidence"},
	)

	SMTPProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "smtp_probes_total",
			Help:      "SMTP RCPT probes, by outcome.",
		},
		[]string{"outcome"},
	)

	SMTPProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "smtp_probe_duration_seconds",
			Help:      "Duration of SMTP probe sessions.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
	)

	DNSLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_lookups_total",
			Help:      "MX resolutions, by cache result.",
		},
		[]string{"cache"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of verifyBatch calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	WorkerFaults = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_faults_total",
			Help:      "Sub-batches whose worker panicked.",
		},
	)

	AdmissionActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_active",
			Help:      "Active admission tickets.",
		},
	)

	AdmissionQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_queued",
			Help:      "Requests waiting for an admission slot.",
		},
	)

	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Admission requests that never became active, by reason.",
		},
		[]string{"reason"},
	)
)
