// Package models defines the shared data types for the incident lifecycle:
// findings, anomalies, incident candidates and remediation actions.
package models

import (
	"sort"
	"time"
)

// FindingStatus tracks where a finding is in its lifecycle. Statuses are
// monotonic except StatusFailed, which is reachable from any non-terminal
// state.
type FindingStatus string

const (
	StatusInitialDetection FindingStatus = "initial_detection"
	StatusAnalysisComplete FindingStatus = "analysis_complete"
	StatusPendingApproval  FindingStatus = "pending_approval"
	StatusApproved         FindingStatus = "approved"
	StatusRejected         FindingStatus = "rejected"
	StatusMitigated        FindingStatus = "mitigated"
	StatusFailed           FindingStatus = "failed"
)

// IsTerminal reports whether no further status transition is allowed.
func (s FindingStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusMitigated, StatusFailed:
		return true
	}
	return false
}

// Severity of a finding, assigned at creation and immutable thereafter.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordering of a severity (higher is worse). Unknown
// severities rank below low.
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity returns the worse of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ActionKind is the fixed vocabulary of remediation actions the executor
// knows how to invoke. The vocabulary is versioned with the external action
// capability; anything outside it is dropped during recommendation
// validation.
type ActionKind string

const (
	ActionRestartService     ActionKind = "restart_service"
	ActionRollbackDeployment ActionKind = "rollback_deployment"
	ActionScaleService       ActionKind = "scale_service"
	ActionClearCache         ActionKind = "clear_cache"
	ActionUpdateConfig       ActionKind = "update_config"
)

// KnownActionKind reports whether kind is part of the supported vocabulary.
func KnownActionKind(kind ActionKind) bool {
	switch kind {
	case ActionRestartService, ActionRollbackDeployment, ActionScaleService,
		ActionClearCache, ActionUpdateConfig:
		return true
	}
	return false
}

// ProposedAction is one remediation step recommended by the advisory
// gateway. The sequence on a finding is ordered and immutable once the
// finding reaches pending_approval.
type ProposedAction struct {
	Kind       ActionKind        `json:"kind"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// ExecutionOutcome classifies a single execution attempt.
type ExecutionOutcome string

const (
	OutcomeSuccess ExecutionOutcome = "success"
	OutcomeFailure ExecutionOutcome = "failure"
	OutcomeSkipped ExecutionOutcome = "skipped"
)

// ExecutionEntry is one append-only record in a finding's execution log.
type ExecutionEntry struct {
	AttemptID string           `json:"attempt_id"`
	Timestamp time.Time        `json:"timestamp"`
	Action    ProposedAction   `json:"action"`
	Outcome   ExecutionOutcome `json:"outcome"`
	Detail    string           `json:"detail,omitempty"`
	Attempts  int              `json:"attempts"`
}

// EvidenceRef points at a telemetry record that contributed to a finding.
type EvidenceRef struct {
	Kind string `json:"kind"` // "log" or "metric"
	ID   string `json:"id"`
}

// Finding is the persisted record for one tracked incident. It is created in
// initial_detection, mutated in place through a terminal state, and never
// deleted.
type Finding struct {
	ID               string                   `json:"id"`
	Status           FindingStatus            `json:"status"`
	Severity         Severity                 `json:"severity"`
	DetectedAt       time.Time                `json:"detected_at"`
	UpdatedAt        time.Time                `json:"updated_at"`
	Signature        string                   `json:"signature"`
	Summary          string                   `json:"summary,omitempty"`
	RiskNotes        string                   `json:"risk_notes,omitempty"`
	RelatedResources map[string][]EvidenceRef `json:"related_resources"`
	Anomalies        []Anomaly                `json:"anomalies,omitempty"`
	ProposedActions  []ProposedAction         `json:"proposed_actions,omitempty"`
	HumanApproved    *bool                    `json:"human_approved,omitempty"`
	HumanFeedback    string                   `json:"human_feedback,omitempty"`
	DecisionToken    string                   `json:"decision_token,omitempty"`
	ExecutionLog     []ExecutionEntry         `json:"execution_log,omitempty"`

	// Version supports optimistic concurrency on conditional writes.
	// Zero only before first persistence.
	Version int64 `json:"version"`
}

// Services returns the sorted-insensitive set of service names with evidence
// on the finding.
func (f *Finding) Services() []string {
	services := make([]string, 0, len(f.RelatedResources))
	for svc := range f.RelatedResources {
		services = append(services, svc)
	}
	sort.Strings(services)
	return services
}
