// Package metrics provides Prometheus instrumentation for the chat-dlp
// services: inspection outcomes and latency, violations and bans, reputation
// scans and moderation resolutions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InspectionsTotal counts inspected messages by verdict status.
	InspectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlp_inspections_total",
		Help: "Total number of inspected messages",
	}, []string{"status"}) // allow, block, warning, url_check_required, url_moderation_required

	// InspectionDuration records time spent in the inspection pipeline.
	InspectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dlp_inspection_duration_seconds",
		Help:    "Inspection pipeline latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ViolationsTotal counts recorded violations by kind.
	ViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlp_violations_total",
		Help: "Total number of recorded violations",
	}, []string{"kind"}) // keyword, sensitive_data

	// BansTotal counts bans by source.
	BansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlp_bans_total",
		Help: "Total number of user bans",
	}, []string{"source"}) // auto, manual

	// ScansTotal counts reputation scans by outcome.
	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlp_scans_total",
		Help: "Total number of reputation scans",
	}, []string{"status"}) // clean, malicious, suspicious, scanning, error, timeout

	// ScanDuration records reputation scan latency.
	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dlp_scan_duration_seconds",
		Help:    "Reputation scan latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
	})

	// ArtifactsResolved counts artifacts reaching a terminal state.
	ArtifactsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlp_artifacts_resolved_total",
		Help: "Total number of moderation artifacts resolved",
	}, []string{"status"})

	// ForbiddenTerms tracks the size of the active forbidden-term set.
	ForbiddenTerms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlp_forbidden_terms",
		Help: "Number of terms in the active forbidden-term set",
	})

	// IntakeRejected counts messages refused before inspection.
	IntakeRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlp_intake_rejected_total",
		Help: "Messages and uploads refused before inspection",
	}, []string{"reason"}) // banned, rate_limited, invalid
)

func init() {
	prometheus.MustRegister(
		InspectionsTotal,
		InspectionDuration,
		ViolationsTotal,
		BansTotal,
		ScansTotal,
		ScanDuration,
		ArtifactsResolved,
		ForbiddenTerms,
		IntakeRejected,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
