package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/oasiserr"
)

type memStore struct {
	mu       sync.Mutex
	findings map[string]*models.Finding

	// failUpdates makes the next n UpdateFinding calls fail with a
	// version conflict regardless of the version passed.
	failUpdates int
}

func newMemStore() *memStore {
	return &memStore{findings: make(map[string]*models.Finding)}
}

func (s *memStore) CreateFinding(_ context.Context, f *models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	cp.Version = 1
	s.findings[f.ID] = &cp
	f.Version = 1
	return nil
}

func (s *memStore) GetFinding(_ context.Context, id string) (*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.findings[id]
	if !ok {
		return nil, fmt.Errorf("finding %s: %w", id, oasiserr.ErrNotFound)
	}
	cp := *f
	cp.ExecutionLog = append([]models.ExecutionEntry(nil), f.ExecutionLog...)
	cp.Anomalies = append([]models.Anomaly(nil), f.Anomalies...)
	return &cp, nil
}

func (s *memStore) UpdateFinding(_ context.Context, f *models.Finding, expectVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates > 0 {
		s.failUpdates--
		return fmt.Errorf("finding %s: %w", f.ID, oasiserr.ErrVersionConflict)
	}
	cur, ok := s.findings[f.ID]
	if !ok || cur.Version != expectVersion {
		return fmt.Errorf("finding %s: %w", f.ID, oasiserr.ErrVersionConflict)
	}
	cp := *f
	cp.ExecutionLog = append([]models.ExecutionEntry(nil), f.ExecutionLog...)
	cp.Version = expectVersion + 1
	s.findings[f.ID] = &cp
	f.Version = cp.Version
	return nil
}

func (s *memStore) OpenFindingsSince(_ context.Context, cutoff time.Time) ([]*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Finding
	for _, f := range s.findings {
		if !f.Status.IsTerminal() && !f.UpdatedAt.Before(cutoff) {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func candidate(service string) models.IncidentCandidate {
	end := time.Now().UTC()
	return models.IncidentCandidate{
		Signature: "sig-" + service,
		Severity:  models.SeverityHigh,
		Resources: map[string][]models.EvidenceRef{
			service: {{Kind: "log", ID: service + "-log-1"}},
		},
		Anomalies: []models.Anomaly{
			{Service: service, Kind: models.AnomalyErrorRate, Signal: "DependencyTimeout",
				ObservedRate: 50, BaselineRate: 5, Deviation: 10, Severity: models.SeverityHigh},
		},
		WindowStart: end.Add(-15 * time.Minute),
		WindowEnd:   end,
	}
}

func actions() []models.ProposedAction {
	return []models.ProposedAction{{Kind: models.ActionRestartService}}
}

// drive moves a fresh finding to the given status.
func drive(t *testing.T, m *Manager, id string, target models.FindingStatus) *models.Finding {
	t.Helper()
	ctx := context.Background()
	steps := []func() (*models.Finding, error){
		func() (*models.Finding, error) { return m.MarkAnalyzed(ctx, id, "summary", "risks", actions()) },
		func() (*models.Finding, error) { return m.MarkPendingApproval(ctx, id) },
		func() (*models.Finding, error) {
			f, _, err := m.ApplyDecision(ctx, id, true, "")
			return f, err
		},
		func() (*models.Finding, error) { return m.MarkMitigated(ctx, id) },
	}
	var f *models.Finding
	var err error
	for _, step := range steps {
		f, err = step()
		require.NoError(t, err)
		if f.Status == target {
			return f
		}
	}
	require.Equal(t, target, f.Status)
	return f
}

func TestAdmitCreatesFinding(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{})

	f, created, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusInitialDetection, f.Status)
	assert.Equal(t, models.SeverityHigh, f.Severity)
	assert.NotEmpty(t, f.ID)
	assert.NotEmpty(t, f.DecisionToken)
	assert.Equal(t, int64(1), f.Version)
	require.Len(t, f.Anomalies, 1)
	assert.Equal(t, 50.0, f.Anomalies[0].ObservedRate)
}

func TestAdmitMergesWithinDedupWindow(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{DedupWindow: time.Hour})

	first, created, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)
	require.True(t, created)

	cand := candidate("payment-api")
	cand.Resources["payment-api"] = append(cand.Resources["payment-api"],
		models.EvidenceRef{Kind: "log", ID: "payment-api-log-2"})

	second, created, err := m.Admit(context.Background(), cand)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.RelatedResources["payment-api"], 2)
}

func TestAdmitMergeRefreshesAnomalyRates(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{DedupWindow: time.Hour})

	_, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)

	// Same signal observed hotter, plus a new metric anomaly.
	cand := candidate("payment-api")
	cand.Anomalies[0].ObservedRate = 80
	cand.Anomalies[0].Deviation = 16
	cand.Anomalies = append(cand.Anomalies, models.Anomaly{
		Service: "payment-api", Kind: models.AnomalyMetric, Signal: "request_latency",
		ObservedRate: 900, BaselineRate: 120, Deviation: 7.5, Severity: models.SeverityHigh,
	})

	merged, created, err := m.Admit(context.Background(), cand)
	require.NoError(t, err)
	assert.False(t, created)
	require.Len(t, merged.Anomalies, 2)
	assert.Equal(t, 80.0, merged.Anomalies[0].ObservedRate)
	assert.Equal(t, "request_latency", merged.Anomalies[1].Signal)
}

func TestAdmitMergeDeduplicatesEvidenceRefs(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{DedupWindow: time.Hour})

	_, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)

	merged, created, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, merged.RelatedResources["payment-api"], 1)
}

func TestAdmitOutsideDedupWindowCreatesNew(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{DedupWindow: time.Hour})

	first, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)

	// Age the existing finding past the window.
	store.mu.Lock()
	store.findings[first.ID].UpdatedAt = time.Now().Add(-2 * time.Hour)
	store.mu.Unlock()

	second, created, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestAdmitDifferentServicesDoNotMerge(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{DedupWindow: time.Hour})

	_, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)

	_, created, err := m.Admit(context.Background(), candidate("session-cache"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestHappyPathTransitions(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{})
	f, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)

	final := drive(t, m, f.ID, models.StatusMitigated)
	assert.Equal(t, models.StatusMitigated, final.Status)
	assert.Equal(t, "summary", final.Summary)
	require.NotNil(t, final.HumanApproved)
	assert.True(t, *final.HumanApproved)
}

func TestSkippingStatesIsRejected(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{})
	f, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)

	// initial_detection -> pending_approval skips analysis_complete.
	_, err = m.MarkPendingApproval(context.Background(), f.ID)
	require.Error(t, err)

	// initial_detection -> mitigated is far out of order.
	_, err = m.MarkMitigated(context.Background(), f.ID)
	require.Error(t, err)

	got, _ := store.GetFinding(context.Background(), f.ID)
	assert.Equal(t, models.StatusInitialDetection, got.Status)
}

func TestMarkAnalyzedRequiresActions(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{})
	f, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)

	_, err = m.MarkAnalyzed(context.Background(), f.ID, "summary", "", nil)
	require.Error(t, err)
	assert.Equal(t, oasiserr.ClassValidationFailure, oasiserr.ClassOf(err))
}

func TestMarkFailedFromAnyNonTerminal(t *testing.T) {
	for _, target := range []models.FindingStatus{
		models.StatusInitialDetection,
		models.StatusAnalysisComplete,
		models.StatusPendingApproval,
		models.StatusApproved,
	} {
		t.Run(string(target), func(t *testing.T) {
			store := newMemStore()
			m := NewManager(store, Config{})
			f, _, err := m.Admit(context.Background(), candidate("payment-api"))
			require.NoError(t, err)
			if target != models.StatusInitialDetection {
				drive(t, m, f.ID, target)
			}

			failed, err := m.MarkFailed(context.Background(), f.ID, "operator abort")
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, failed.Status)
			require.NotEmpty(t, failed.ExecutionLog)
			assert.Equal(t, "operator abort", failed.ExecutionLog[len(failed.ExecutionLog)-1].Detail)
		})
	}
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{})
	f, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)
	drive(t, m, f.ID, models.StatusMitigated)

	_, err = m.MarkFailed(context.Background(), f.ID, "too late")
	require.Error(t, err)

	got, _ := store.GetFinding(context.Background(), f.ID)
	assert.Equal(t, models.StatusMitigated, got.Status)
}

func TestApplyDecisionOutsidePendingIsStale(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{})
	f, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)

	_, _, err = m.ApplyDecision(context.Background(), f.ID, true, "")
	require.ErrorIs(t, err, oasiserr.ErrStaleOrInvalidDecision)
}

func TestApplyDecisionReportsReplayAsNotApplied(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{})
	f, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)
	drive(t, m, f.ID, models.StatusPendingApproval)

	first, applied, err := m.ApplyDecision(context.Background(), f.ID, true, "")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.StatusApproved, first.Status)

	// Replaying the same decision succeeds but did not transition anything.
	replay, applied, err := m.ApplyDecision(context.Background(), f.ID, true, "")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, models.StatusApproved, replay.Status)

	// A conflicting decision is still rejected outright.
	_, applied, err = m.ApplyDecision(context.Background(), f.ID, false, "")
	require.ErrorIs(t, err, oasiserr.ErrStaleOrInvalidDecision)
	assert.False(t, applied)
}

func TestApplyDecisionRecordsFeedback(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{})
	f, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)
	drive(t, m, f.ID, models.StatusPendingApproval)

	decided, _, err := m.ApplyDecision(context.Background(), f.ID, false, "wrong root cause")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, decided.Status)
	assert.Equal(t, "wrong root cause", decided.HumanFeedback)
}

func TestAppendExecutionOnlyWhileApprovedOrFailed(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{})
	f, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)

	entry := models.ExecutionEntry{
		AttemptID: "a-1",
		Timestamp: time.Now().UTC(),
		Action:    models.ProposedAction{Kind: models.ActionRestartService},
		Outcome:   models.OutcomeSuccess,
	}

	_, err = m.AppendExecution(context.Background(), f.ID, entry)
	require.Error(t, err)

	drive(t, m, f.ID, models.StatusApproved)
	updated, err := m.AppendExecution(context.Background(), f.ID, entry)
	require.NoError(t, err)
	require.Len(t, updated.ExecutionLog, 1)

	// failed findings still accept post-mortem entries.
	_, err = m.MarkFailed(context.Background(), f.ID, "")
	require.NoError(t, err)
	postMortem, err := m.AppendExecution(context.Background(), f.ID, entry)
	require.NoError(t, err)
	assert.Len(t, postMortem.ExecutionLog, 2)
}

func TestTouchBumpsUpdatedAtOnly(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{})
	f, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)

	store.mu.Lock()
	store.findings[f.ID].UpdatedAt = time.Now().UTC().Add(-3 * time.Hour)
	store.mu.Unlock()

	touched, err := m.Touch(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInitialDetection, touched.Status)
	assert.Equal(t, int64(2), touched.Version)
	assert.WithinDuration(t, time.Now().UTC(), touched.UpdatedAt, time.Minute)
}

func TestVersionConflictRetriesOnceThenSurfaces(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{})
	f, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)

	// One transient conflict: the retry succeeds.
	store.mu.Lock()
	store.failUpdates = 1
	store.mu.Unlock()
	_, err = m.MarkAnalyzed(context.Background(), f.ID, "s", "", actions())
	require.NoError(t, err)

	// Persistent conflicts: retried once, then surfaced.
	store.mu.Lock()
	store.failUpdates = 10
	store.mu.Unlock()
	_, err = m.MarkPendingApproval(context.Background(), f.ID)
	require.Error(t, err)
	assert.Equal(t, oasiserr.ClassConcurrencyConflict, oasiserr.ClassOf(err))
}

func TestConcurrentDecisionsOnlyOneWins(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, Config{})
	f, _, err := m.Admit(context.Background(), candidate("payment-api"))
	require.NoError(t, err)
	drive(t, m, f.ID, models.StatusPendingApproval)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	decisions := []bool{true, false}
	for i := range decisions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = m.ApplyDecision(context.Background(), f.ID, decisions[i], "")
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one conflicting decision must lose")

	got, _ := store.GetFinding(context.Background(), f.ID)
	assert.True(t, got.Status == models.StatusApproved || got.Status == models.StatusRejected)
	require.NotNil(t, got.HumanApproved)
}
