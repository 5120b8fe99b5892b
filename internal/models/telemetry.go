package models

import "time"

// LogEntry is a single application log record in the telemetry store.
type LogEntry struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	Level      string    `json:"level"` // INFO, WARN, ERROR
	ErrorType  string    `json:"error_type,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// MetricPoint is a single metric sample in the telemetry store.
type MetricPoint struct {
	ID        string    `json:"id"`
	Service   string    `json:"service"`
	Name      string    `json:"name"` // latency_ms, cpu_percent, ...
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// AnomalyKind distinguishes error-rate anomalies from metric anomalies.
type AnomalyKind string

const (
	AnomalyErrorRate AnomalyKind = "error_rate"
	AnomalyMetric    AnomalyKind = "metric"
)

// Anomaly is one detected deviation of an observed per-minute rate from its
// historical baseline for a single service. Anomalies are not persisted on
// their own; the ones behind a finding are carried on the finding record so
// later invocations still have the observed rates.
type Anomaly struct {
	Service      string        `json:"service"`
	Kind         AnomalyKind   `json:"kind"`
	Signal       string        `json:"signal"` // error type or metric name
	ObservedRate float64       `json:"observed_rate"`
	BaselineRate float64       `json:"baseline_rate"`
	Deviation    float64       `json:"deviation"` // observed/baseline ratio
	Severity     Severity      `json:"severity"`
	WindowStart  time.Time     `json:"window_start"`
	WindowEnd    time.Time     `json:"window_end"`
	Evidence     []EvidenceRef `json:"evidence,omitempty"`
}

// IncidentCandidate is an ephemeral grouping of anomalies under evaluation
// for admission as a finding.
type IncidentCandidate struct {
	Signature   string                   `json:"signature"`
	Severity    Severity                 `json:"severity"`
	Anomalies   []Anomaly                `json:"anomalies"`
	WindowStart time.Time                `json:"window_start"`
	WindowEnd   time.Time                `json:"window_end"`
	Resources   map[string][]EvidenceRef `json:"resources"`
}

// Deployment describes a recent deployment marker found in a service's logs.
type Deployment struct {
	Found     bool      `json:"found"`
	Service   string    `json:"service,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}
