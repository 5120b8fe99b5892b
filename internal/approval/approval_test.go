package approval

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oasisops/oasis/internal/lifecycle"
	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/oasiserr"
)

// memStore is an in-memory finding store with the same version
// semantics as the SQLite store.
type memStore struct {
	mu       sync.Mutex
	findings map[string]*models.Finding
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
	return &cp, nil
}

func (s *memStore) UpdateFinding(_ context.Context, f *models.Finding, expectVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.findings[f.ID]
	if !ok || cur.Version != expectVersion {
		return fmt.Errorf("finding %s: %w", f.ID, oasiserr.ErrVersionConflict)
	}
	cp := *f
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

func seedPendingFinding(t *testing.T, store *memStore) *models.Finding {
	t.Helper()
	f := &models.Finding{
		ID:            "f-1",
		Status:        models.StatusPendingApproval,
		Severity:      models.SeverityHigh,
		DetectedAt:    time.Now().Add(-time.Hour),
		UpdatedAt:     time.Now(),
		Summary:       "checkout errors spiking",
		DecisionToken: "tok-1",
		ProposedActions: []models.ProposedAction{
			{Kind: models.ActionRestartService, Parameters: map[string]string{"service": "checkout"}},
		},
	}
	require.NoError(t, store.CreateFinding(context.Background(), f))
	return f
}

func newTestReceiver(store *memStore) *Receiver {
	return NewReceiver(store, lifecycle.NewManager(store, lifecycle.Config{}))
}

func TestDecideApprove(t *testing.T) {
	store := newMemStore()
	seedPendingFinding(t, store)
	r := newTestReceiver(store)

	var handed *models.Finding
	r.OnApproved = func(f *models.Finding) { handed = f }

	f, err := r.Decide(context.Background(), "f-1", "approve", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, f.Status)
	require.NotNil(t, f.HumanApproved)
	assert.True(t, *f.HumanApproved)
	require.NotNil(t, handed)
	assert.Equal(t, "f-1", handed.ID)
}

func TestDecideReject(t *testing.T) {
	store := newMemStore()
	seedPendingFinding(t, store)
	r := newTestReceiver(store)
	r.OnApproved = func(*models.Finding) { t.Fatal("executor must not run on reject") }

	f, err := r.Decide(context.Background(), "f-1", "reject", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, f.Status)
	require.NotNil(t, f.HumanApproved)
	assert.False(t, *f.HumanApproved)
}

func TestDecideTokenMismatch(t *testing.T) {
	store := newMemStore()
	seedPendingFinding(t, store)
	r := newTestReceiver(store)

	_, err := r.Decide(context.Background(), "f-1", "approve", "wrong")
	require.ErrorIs(t, err, oasiserr.ErrStaleOrInvalidDecision)

	f, _ := store.GetFinding(context.Background(), "f-1")
	assert.Equal(t, models.StatusPendingApproval, f.Status)
}

func TestDecideUnknownFinding(t *testing.T) {
	r := newTestReceiver(newMemStore())
	_, err := r.Decide(context.Background(), "missing", "approve", "tok")
	require.ErrorIs(t, err, oasiserr.ErrStaleOrInvalidDecision)
}

func TestDecideReplaySameDecisionIsIdempotent(t *testing.T) {
	store := newMemStore()
	seedPendingFinding(t, store)
	r := newTestReceiver(store)

	// A re-clicked approve link must not start a second remediation run.
	var fired int
	r.OnApproved = func(*models.Finding) { fired++ }

	_, err := r.Decide(context.Background(), "f-1", "approve", "tok-1")
	require.NoError(t, err)

	f, err := r.Decide(context.Background(), "f-1", "approve", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, f.Status)
	assert.Equal(t, 1, fired, "OnApproved must fire once per decision")
}

func TestDecideConflictingReplayRejected(t *testing.T) {
	store := newMemStore()
	seedPendingFinding(t, store)
	r := newTestReceiver(store)

	_, err := r.Decide(context.Background(), "f-1", "approve", "tok-1")
	require.NoError(t, err)

	_, err = r.Decide(context.Background(), "f-1", "reject", "tok-1")
	require.ErrorIs(t, err, oasiserr.ErrStaleOrInvalidDecision)

	f, _ := store.GetFinding(context.Background(), "f-1")
	assert.Equal(t, models.StatusApproved, f.Status)
}

func TestHandlerApproveFlow(t *testing.T) {
	store := newMemStore()
	seedPendingFinding(t, store)
	r := newTestReceiver(store)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/approve?finding_id=f-1&action=approve&token=tok-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Remediation approved")
}

func TestHandlerStaleLinkShowsNoActionPage(t *testing.T) {
	store := newMemStore()
	seedPendingFinding(t, store)
	r := newTestReceiver(store)

	_, err := r.Decide(context.Background(), "f-1", "reject", "tok-1")
	require.NoError(t, err)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/approve?finding_id=f-1&action=approve&token=tok-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "No action needed")
}

func TestHandlerMissingParams(t *testing.T) {
	r := newTestReceiver(newMemStore())
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/approve?finding_id=f-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerRejectsPost(t *testing.T) {
	r := newTestReceiver(newMemStore())
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/approve", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
