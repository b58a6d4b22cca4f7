// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	runsTotalCounter         *prometheus.CounterVec
	conversionJobsCounter    *prometheus.CounterVec
	conversionPollsCounter   *prometheus.CounterVec
	conversionDurationMetric prometheus.Histogram
	workerClaimLatencyMetric prometheus.Histogram
	webhookDeliveriesCounter *prometheus.CounterVec
)

// Poll outcomes recorded by the conversion runner.
const (
	PollOK       = "ok"
	PollNotFound = "not_found"
	PollFailed   = "failed"
)

// Webhook delivery outcomes recorded by the worker.
const (
	WebhookDelivered = "delivered"
	WebhookFailed    = "failed"
	WebhookSkipped   = "skipped"
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runs_total",
				Help: "Total number of run status writes by status.",
			},
			[]string{"status"},
		)

		conversionJobsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversion_jobs_total",
				Help: "Total number of conversion jobs reaching a terminal status.",
			},
			[]string{"status"},
		)

		conversionPollsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversion_poll_requests_total",
				Help: "Total number of conversion status polls by outcome.",
			},
			[]string{"outcome"},
		)

		conversionDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conversion_duration_seconds",
				Help:    "Duration of converter executions in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		workerClaimLatencyMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "worker_claim_latency_seconds",
				Help:    "Latency of worker job claim queries in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		webhookDeliveriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversion_webhook_deliveries_total",
				Help: "Total number of terminal conversion webhooks by outcome.",
			},
			[]string{"outcome"},
		)

		prometheus.MustRegister(
			runsTotalCounter,
			conversionJobsCounter,
			conversionPollsCounter,
			conversionDurationMetric,
			workerClaimLatencyMetric,
			webhookDeliveriesCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []domain.RunStatus{
			domain.RunNew,
			domain.RunInProcess,
			domain.RunComplete,
		} {
			runsTotalCounter.WithLabelValues(string(status))
		}

		for _, status := range []domain.JobStatus{domain.JobSuccess, domain.JobError} {
			conversionJobsCounter.WithLabelValues(string(status))
		}

		for _, outcome := range []string{PollOK, PollNotFound, PollFailed} {
			conversionPollsCounter.WithLabelValues(outcome)
		}

		for _, outcome := range []string{WebhookDelivered, WebhookFailed, WebhookSkipped} {
			webhookDeliveriesCounter.WithLabelValues(outcome)
		}
	})
}

func IncRunStatus(status domain.RunStatus) {
	Init()
	runsTotalCounter.WithLabelValues(string(status)).Inc()
}

func IncConversionJob(status domain.JobStatus) {
	Init()
	conversionJobsCounter.WithLabelValues(string(status)).Inc()
}

func IncConversionPoll(outcome string) {
	Init()
	conversionPollsCounter.WithLabelValues(outcome).Inc()
}

func ObserveConversionDuration(d time.Duration) {
	Init()
	conversionDurationMetric.Observe(d.Seconds())
}

func ObserveWorkerClaimLatency(d time.Duration) {
	Init()
	workerClaimLatencyMetric.Observe(d.Seconds())
}

func IncWebhookDelivery(outcome string) {
	Init()
	webhookDeliveriesCounter.WithLabelValues(outcome).Inc()
}
