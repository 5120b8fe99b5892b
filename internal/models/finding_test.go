package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []FindingStatus{StatusRejected, StatusMitigated, StatusFailed}
	open := []FindingStatus{StatusInitialDetection, StatusAnalysisComplete, StatusPendingApproval, StatusApproved}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s", s)
	}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), "%s", s)
	}
}

func TestMaxSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityLow, SeverityCritical))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityHigh, SeverityMedium))
	assert.Equal(t, SeverityLow, MaxSeverity(SeverityLow, SeverityLow))
}

func TestKnownActionKind(t *testing.T) {
	for _, kind := range []ActionKind{
		ActionRestartService, ActionRollbackDeployment, ActionScaleService,
		ActionClearCache, ActionUpdateConfig,
	} {
		assert.True(t, KnownActionKind(kind), "%s", kind)
	}
	assert.False(t, KnownActionKind("drop_all_tables"))
	assert.False(t, KnownActionKind(""))
}

func TestFindingServicesSorted(t *testing.T) {
	f := &Finding{RelatedResources: map[string][]EvidenceRef{
		"user-api":    {{Kind: "log", ID: "1"}},
		"api-gateway": {{Kind: "log", ID: "2"}},
		"orders-db":   nil,
	}}
	assert.Equal(t, []string{"api-gateway", "orders-db", "user-api"}, f.Services())
}
