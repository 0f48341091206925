// Package telemetry wires Prometheus collectors and the OpenTelemetry tracer
// provider used by the HTTP layer and the reminder scheduler.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "careline"

// Metrics groups every collector the service exports.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	SlotBookings       *prometheus.CounterVec
	AppointmentChanges *prometheus.CounterVec
	SideEffectFailures *prometheus.CounterVec

	ReminderTicks    *prometheus.CounterVec
	ReminderOutcomes *prometheus.CounterVec
	ReminderTickTime prometheus.Histogram
	DispatchDuration *prometheus.HistogramVec
	SlotsGenerated   prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry, so tests can
// create as many instances as they need.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		SlotBookings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "slot_operations_total",
			Help:      "Slot book/release attempts by operation and result.",
		}, []string{"operation", "result"}),

		AppointmentChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "appointment_transitions_total",
			Help:      "Successful appointment lifecycle operations.",
		}, []string{"operation"}),

		SideEffectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "side_effect_failures_total",
			Help:      "Best-effort reminder side effects that failed after a committed change.",
		}, []string{"action"}),

		ReminderTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "ticks_total",
			Help:      "Scheduler ticks by result (ran, skipped, error).",
		}, []string{"result"}),

		ReminderOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "entries_total",
			Help:      "Processed ledger entries by type and outcome.",
		}, []string{"type", "outcome"}),

		ReminderTickTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scheduler tick.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),

		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "dispatch_duration_seconds",
			Help:      "Dispatcher latency by transport and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport", "result"}),

		SlotsGenerated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "slots_generated_total",
			Help:      "Availability slots inserted by generation runs.",
		}),
	}
}
