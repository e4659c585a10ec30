// Package metrics holds the Prometheus collectors shared by the monitor.
//
// Collectors are registered on the default registry at init via promauto;
// `vigil run --metrics-addr` exposes them over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StateUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_state_updates_total",
		Help: "Total state mutations applied",
	})

	IntegrityWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_state_integrity_warnings_total",
		Help: "Integrity warnings recorded by the state store, by kind",
	}, []string{"kind"})

	SaveOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_state_save_operations_total",
		Help: "State persistence attempts by outcome",
	}, []string{"outcome"})

	SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vigil_state_save_duration_seconds",
		Help:    "Time to persist the state document",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	LoadOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_state_load_total",
		Help: "State loads by outcome (fresh, loaded, backup, salvaged)",
	}, []string{"outcome"})

	ContractEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_contract_evaluations_total",
		Help: "Contract evaluations by contract and result",
	}, []string{"contract", "result"})

	IssuesDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_issues_detected_total",
		Help: "New issues by detection method and severity",
	}, []string{"method", "severity"})

	IssueRepeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_issue_repeats_total",
		Help: "Re-detections of known fingerprints by method",
	}, []string{"method"})

	ActiveIssues = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_active_issues",
		Help: "Issues seen within the staleness window at the last read",
	})

	LogEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_log_events_total",
		Help: "Ingested log events by disposition (queued, dropped, classified, ignored)",
	}, []string{"disposition"})

	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vigil_tick_duration_seconds",
		Help:    "Duration of periodic subsystem ticks",
		Buckets: prometheus.DefBuckets,
	}, []string{"subsystem"})
)
