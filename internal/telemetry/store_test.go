package telemetry

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oasisops/oasis/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "oasis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func errLog(service, errType string, ts time.Time) models.LogEntry {
	return models.LogEntry{
		ID:         uuid.NewString(),
		Service:    service,
		Level:      "ERROR",
		ErrorType:  errType,
		StatusCode: 500,
		Message:    errType + ": request failed",
		Timestamp:  ts,
	}
}

func infoLog(service, message string, ts time.Time) models.LogEntry {
	return models.LogEntry{
		ID:        uuid.NewString(),
		Service:   service,
		Level:     "INFO",
		Message:   message,
		Timestamp: ts,
	}
}

func TestServicesInWindow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.InsertLogs(ctx, []models.LogEntry{
		errLog("payment-api", "DependencyTimeout", now.Add(-5*time.Minute)),
		infoLog("user-api", "handled request", now.Add(-3*time.Minute)),
		errLog("stale-svc", "Old", now.Add(-3*time.Hour)),
	}))
	require.NoError(t, store.InsertMetrics(ctx, []models.MetricPoint{
		{ID: uuid.NewString(), Service: "orders-db", Name: "query_latency", Value: 12, Timestamp: now.Add(-time.Minute)},
	}))

	services, err := store.Services(ctx, now.Add(-15*time.Minute), now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"payment-api", "user-api", "orders-db"}, services)
}

func TestErrorCountsGroupsByType(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Queries are half-open over [start, end), so keep every fixture
	// strictly inside the window.
	var logs []models.LogEntry
	for i := 0; i < 3; i++ {
		logs = append(logs, errLog("payment-api", "DependencyTimeout", now.Add(-time.Duration(i+1)*time.Minute)))
	}
	logs = append(logs,
		errLog("payment-api", "ValidationError", now.Add(-time.Minute)),
		infoLog("payment-api", "fine", now.Add(-time.Minute)),
	)
	require.NoError(t, store.InsertLogs(ctx, logs))

	counts, err := store.ErrorCounts(ctx, "payment-api", now.Add(-15*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"DependencyTimeout": 3, "ValidationError": 1}, counts)
}

func TestDailyErrorBuckets(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	var logs []models.LogEntry
	for day := 1; day <= 3; day++ {
		for i := 0; i < day*2; i++ {
			logs = append(logs, errLog("payment-api", "DependencyTimeout",
				base.Add(-time.Duration(day)*24*time.Hour+time.Duration(i)*time.Minute)))
		}
	}
	require.NoError(t, store.InsertLogs(ctx, logs))

	buckets, err := store.DailyErrorBuckets(ctx, "payment-api", "DependencyTimeout",
		base.Add(-4*24*time.Hour), base)
	require.NoError(t, err)
	require.Len(t, buckets, 3)

	total := 0
	for _, n := range buckets {
		total += n
	}
	assert.Equal(t, 12, total)
}

func TestRecentErrorsAndSamples(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.InsertLogs(ctx, []models.LogEntry{
		errLog("payment-api", "DependencyTimeout", now.Add(-2*time.Minute)),
		errLog("payment-api", "ValidationError", now.Add(-time.Minute)),
		infoLog("payment-api", "ok", now.Add(-time.Minute)),
	}))

	all, err := store.RecentErrors(ctx, "payment-api", now.Add(-15*time.Minute), now, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	typed, err := store.ErrorSamples(ctx, "payment-api", "ValidationError", now.Add(-15*time.Minute), now, 10)
	require.NoError(t, err)
	require.Len(t, typed, 1)
	assert.Equal(t, "ValidationError", typed[0].ErrorType)
}

func TestMetricStatsAveragesPerMinute(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var points []models.MetricPoint
	for i := 0; i < 10; i++ {
		points = append(points, models.MetricPoint{
			ID:        uuid.NewString(),
			Service:   "payment-api",
			Name:      "request_latency",
			Value:     100,
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, store.InsertMetrics(ctx, points))

	stats, err := store.MetricStats(ctx, "payment-api", now.Add(-15*time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 100.0, stats["request_latency"], 0.01)
}

func TestRecentDeployment(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dep, err := store.RecentDeployment(ctx, "payment-api", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, dep.Found)

	require.NoError(t, store.InsertLogs(ctx, []models.LogEntry{
		infoLog("payment-api", "Deployed version 2.3.1 to production", now.Add(-time.Hour)),
		infoLog("payment-api", "handled request", now.Add(-time.Minute)),
	}))

	dep, err = store.RecentDeployment(ctx, "payment-api", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, dep.Found)
	assert.Contains(t, dep.Message, "Deployed version")
	assert.Equal(t, "payment-api", dep.Service)
}

func sampleFinding() *models.Finding {
	approved := true
	return &models.Finding{
		ID:         uuid.NewString(),
		Status:     models.StatusApproved,
		Severity:   models.SeverityCritical,
		DetectedAt: time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		Signature:  "abc123",
		Summary:    "payment errors spiking",
		RiskNotes:  "restart carries low risk",
		RelatedResources: map[string][]models.EvidenceRef{
			"payment-api": {{Kind: "log", ID: "log-1"}, {Kind: "metric", ID: "m-1"}},
		},
		Anomalies: []models.Anomaly{
			{Service: "payment-api", Kind: models.AnomalyErrorRate, Signal: "DependencyTimeout",
				ObservedRate: 50, BaselineRate: 5, Deviation: 10, Severity: models.SeverityCritical},
		},
		ProposedActions: []models.ProposedAction{
			{Kind: models.ActionRestartService, Parameters: map[string]string{"service": "payment-api"}},
		},
		HumanApproved: &approved,
		HumanFeedback: "go ahead",
		DecisionToken: uuid.NewString(),
		ExecutionLog: []models.ExecutionEntry{
			{AttemptID: "a-1", Timestamp: time.Now().UTC().Truncate(time.Millisecond),
				Action: models.ProposedAction{Kind: models.ActionRestartService}, Outcome: models.OutcomeSuccess, Attempts: 1},
		},
	}
}

func TestFindingRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	f := sampleFinding()
	require.NoError(t, store.CreateFinding(ctx, f))
	assert.Equal(t, int64(1), f.Version)

	got, err := store.GetFinding(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Status, got.Status)
	assert.Equal(t, f.Severity, got.Severity)
	assert.Equal(t, f.Summary, got.Summary)
	assert.Equal(t, f.RelatedResources, got.RelatedResources)
	assert.Equal(t, f.Anomalies, got.Anomalies)
	assert.Equal(t, f.ProposedActions, got.ProposedActions)
	require.NotNil(t, got.HumanApproved)
	assert.True(t, *got.HumanApproved)
	assert.Equal(t, f.DecisionToken, got.DecisionToken)
	require.Len(t, got.ExecutionLog, 1)
	assert.Equal(t, models.OutcomeSuccess, got.ExecutionLog[0].Outcome)
	assert.Equal(t, int64(1), got.Version)
}

func TestGetFindingNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetFinding(context.Background(), "missing")
	require.Error(t, err)
}

func TestUpdateFindingVersionCheck(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	f := sampleFinding()
	require.NoError(t, store.CreateFinding(ctx, f))

	f.Summary = "updated summary"
	require.NoError(t, store.UpdateFinding(ctx, f, 1))
	assert.Equal(t, int64(2), f.Version)

	// A writer holding the old version loses.
	stale := sampleFinding()
	stale.ID = f.ID
	err := store.UpdateFinding(ctx, stale, 1)
	require.Error(t, err)

	got, err := store.GetFinding(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated summary", got.Summary)
	assert.Equal(t, int64(2), got.Version)
}

func TestOpenFindingsSinceExcludesTerminalAndStale(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	open := sampleFinding()
	open.Status = models.StatusPendingApproval
	require.NoError(t, store.CreateFinding(ctx, open))

	terminal := sampleFinding()
	terminal.Status = models.StatusMitigated
	require.NoError(t, store.CreateFinding(ctx, terminal))

	stale := sampleFinding()
	stale.Status = models.StatusInitialDetection
	stale.UpdatedAt = now.Add(-48 * time.Hour)
	require.NoError(t, store.CreateFinding(ctx, stale))

	got, err := store.OpenFindingsSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].ID)
}

func TestFindingsByStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i, status := range []models.FindingStatus{
		models.StatusPendingApproval,
		models.StatusPendingApproval,
		models.StatusMitigated,
	} {
		f := sampleFinding()
		f.ID = fmt.Sprintf("f-%d", i)
		f.Status = status
		require.NoError(t, store.CreateFinding(ctx, f))
	}

	pending, err := store.FindingsByStatus(ctx, models.StatusPendingApproval)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
