// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appos",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Total number of process instances started.",
		},
		[]string{"trigger"},
	)

	processOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appos",
			Subsystem: "process",
			Name:      "outcomes_total",
			Help:      "Total number of process instances reaching a terminal status.",
		},
		[]string{"status"},
	)

	stepExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appos",
			Subsystem: "steps",
			Name:      "executions_total",
			Help:      "Total number of step attempts by terminal status.",
		},
		[]string{"status"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "appos",
			Subsystem: "steps",
			Name:      "execution_duration_seconds",
			Help:      "Duration of step attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
		[]string{"status"},
	)

	stepRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appos",
			Subsystem: "steps",
			Name:      "retries_total",
			Help:      "Total number of in-place step retries.",
		},
	)

	scheduleFirings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appos",
			Subsystem: "scheduler",
			Name:      "firings_total",
			Help:      "Total number of cron schedule firings dispatched.",
		},
	)

	scheduleDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appos",
			Subsystem: "scheduler",
			Name:      "dropped_minutes_total",
			Help:      "Minute boundaries dropped past the catch-up window.",
		},
	)

	credentialOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appos",
			Subsystem: "credentials",
			Name:      "operations_total",
			Help:      "Credential manager operations by kind and outcome.",
		},
		[]string{"op", "status"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		processStarts,
		processOutcomes,
		stepExecutions,
		stepDuration,
		stepRetries,
		scheduleFirings,
		scheduleDropped,
		credentialOps,
	)
}

// Handler serves the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ProcessStarted counts an instance start by trigger kind. The executor
// passes the start inputs' "trigger" value ("schedule" for cron firings)
// and "manual" when that value is absent.
func ProcessStarted(trigger string) {
	processStarts.WithLabelValues(trigger).Inc()
}

// ProcessFinished counts a terminal instance status.
func ProcessFinished(status string) {
	processOutcomes.WithLabelValues(status).Inc()
}

// StepObserved records one step attempt outcome and its duration.
func StepObserved(status string, seconds float64) {
	stepExecutions.WithLabelValues(status).Inc()
	stepDuration.WithLabelValues(status).Observe(seconds)
}

// StepRetried counts an in-place retry.
func StepRetried() {
	stepRetries.Inc()
}

// ScheduleFired counts a dispatched cron firing.
func ScheduleFired() {
	scheduleFirings.Inc()
}

// ScheduleDropped counts minute boundaries lost to the catch-up cap.
func ScheduleDropped(n int) {
	scheduleDropped.Add(float64(n))
}

// CredentialOp counts a credential manager operation.
func CredentialOp(op, status string) {
	credentialOps.WithLabelValues(op, status).Inc()
}
