package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oasis_detection_invocations_total",
		Help: "Detection invocations by result.",
	}, []string{"result"})

	metricAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oasis_anomalies_total",
		Help: "Anomalies flagged by severity.",
	}, []string{"severity"})

	metricFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oasis_findings_total",
		Help: "Findings admitted, split by created vs merged.",
	}, []string{"outcome"})

	metricServiceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oasis_detection_service_errors_total",
		Help: "Per-service detection failures that were isolated and skipped.",
	})

	metricAdvisory = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oasis_advisory_requests_total",
		Help: "Advisory capability calls by result.",
	}, []string{"result"})

	metricOpenFindings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oasis_open_findings",
		Help: "Open findings seen in the most recent invocation.",
	})
)
