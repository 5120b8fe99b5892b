// Package lifecycle owns the finding state machine. It is the single source
// of truth for what is true about an incident right now: it enforces the
// legal transition table, runs the dedup admission check, and serializes
// concurrent writers through optimistic concurrency on the persisted record.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/oasiserr"
	"github.com/rs/zerolog/log"
)

// Store is the slice of the telemetry store the state machine persists
// findings through.
type Store interface {
	CreateFinding(ctx context.Context, f *models.Finding) error
	GetFinding(ctx context.Context, id string) (*models.Finding, error)
	UpdateFinding(ctx context.Context, f *models.Finding, expectVersion int64) error
	OpenFindingsSince(ctx context.Context, cutoff time.Time) ([]*models.Finding, error)
}

// legalTransitions is the state table. failed is additionally reachable from
// any non-terminal state via MarkFailed.
var legalTransitions = map[models.FindingStatus][]models.FindingStatus{
	models.StatusInitialDetection: {models.StatusAnalysisComplete},
	models.StatusAnalysisComplete: {models.StatusPendingApproval},
	models.StatusPendingApproval:  {models.StatusApproved, models.StatusRejected},
	models.StatusApproved:         {models.StatusMitigated},
}

func transitionAllowed(from, to models.FindingStatus) bool {
	if to == models.StatusFailed {
		return !from.IsTerminal()
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Config configures finding admission.
type Config struct {
	// DedupWindow is the span within which a candidate matching an open
	// finding merges into it instead of creating a duplicate.
	DedupWindow time.Duration
}

// Manager drives findings through their lifecycle.
type Manager struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewManager creates a lifecycle manager over the given store.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Hour
	}
	return &Manager{store: store, cfg: cfg, now: time.Now}
}

// Admit runs the dedup admission check for an incident candidate. When an
// open finding with overlapping resources was updated within the dedup
// window, the candidate's evidence merges into it and the existing finding is
// returned with created=false. Otherwise a new finding is created in
// initial_detection.
func (m *Manager) Admit(ctx context.Context, cand models.IncidentCandidate) (*models.Finding, bool, error) {
	cutoff := m.now().Add(-m.cfg.DedupWindow)
	open, err := m.store.OpenFindingsSince(ctx, cutoff)
	if err != nil {
		return nil, false, err
	}

	for _, existing := range open {
		if !resourcesOverlap(existing.RelatedResources, cand.Resources) {
			continue
		}
		merged, err := m.mergeEvidence(ctx, existing.ID, cand)
		if err != nil {
			return nil, false, err
		}
		log.Info().
			Str("finding_id", merged.ID).
			Str("signature", cand.Signature).
			Msg("Candidate merged into existing open finding")
		return merged, false, nil
	}

	now := m.now().UTC()
	f := &models.Finding{
		ID:               uuid.New().String(),
		Status:           models.StatusInitialDetection,
		Severity:         cand.Severity,
		DetectedAt:       now,
		UpdatedAt:        now,
		Signature:        cand.Signature,
		RelatedResources: cand.Resources,
		Anomalies:        cand.Anomalies,
		DecisionToken:    uuid.New().String(),
	}
	if err := m.store.CreateFinding(ctx, f); err != nil {
		return nil, false, err
	}

	log.Info().
		Str("finding_id", f.ID).
		Str("severity", string(f.Severity)).
		Str("signature", f.Signature).
		Strs("services", f.Services()).
		Msg("Finding created")
	return f, true, nil
}

// mergeEvidence appends the candidate's evidence to an existing finding
// without touching its status. Anomaly observations for a signal already on
// the finding are replaced with the fresher ones.
func (m *Manager) mergeEvidence(ctx context.Context, findingID string, cand models.IncidentCandidate) (*models.Finding, error) {
	return m.mutate(ctx, findingID, "merge evidence", func(f *models.Finding) error {
		if f.RelatedResources == nil {
			f.RelatedResources = make(map[string][]models.EvidenceRef)
		}
		for svc, refs := range cand.Resources {
			f.RelatedResources[svc] = appendNewRefs(f.RelatedResources[svc], refs)
		}
		f.Anomalies = mergeAnomalies(f.Anomalies, cand.Anomalies)
		return nil
	})
}

// MarkAnalyzed records the advisory recommendation and moves the finding to
// analysis_complete. The recommendation must carry at least one action.
func (m *Manager) MarkAnalyzed(ctx context.Context, findingID, summary, riskNotes string, actions []models.ProposedAction) (*models.Finding, error) {
	if len(actions) == 0 {
		return nil, oasiserr.Validation("mark analyzed", fmt.Errorf("recommendation carries no actions"))
	}
	f, _, err := m.transition(ctx, findingID, models.StatusAnalysisComplete, func(f *models.Finding) error {
		f.Summary = summary
		f.RiskNotes = riskNotes
		f.ProposedActions = actions
		return nil
	})
	return f, err
}

// MarkPendingApproval moves the finding to pending_approval once the
// approval request has been issued. Guard: proposed actions must be present.
func (m *Manager) MarkPendingApproval(ctx context.Context, findingID string) (*models.Finding, error) {
	f, _, err := m.transition(ctx, findingID, models.StatusPendingApproval, func(f *models.Finding) error {
		if len(f.ProposedActions) == 0 {
			return oasiserr.Validation("mark pending approval", fmt.Errorf("finding %s has no proposed actions", f.ID))
		}
		return nil
	})
	return f, err
}

// ApplyDecision records a human approval or rejection. Repeat submissions of
// the same decision are no-ops; conflicting or out-of-state decisions fail
// with ErrStaleOrInvalidDecision and leave the finding untouched.
//
// The applied return is true only when this call committed the transition.
// A replay of an already-recorded decision returns applied=false, which is
// what keeps downstream side effects (remediation dispatch) single-shot.
func (m *Manager) ApplyDecision(ctx context.Context, findingID string, approved bool, feedback string) (*models.Finding, bool, error) {
	f, err := m.store.GetFinding(ctx, findingID)
	if err != nil {
		if errors.Is(err, oasiserr.ErrNotFound) {
			return nil, false, fmt.Errorf("finding %s: %w", findingID, oasiserr.ErrStaleOrInvalidDecision)
		}
		return nil, false, err
	}

	// Idempotency: a decision already recorded with the same outcome is a
	// successful no-op; a conflicting one is rejected.
	if f.HumanApproved != nil {
		if *f.HumanApproved == approved {
			return f, false, nil
		}
		return nil, false, fmt.Errorf("finding %s already decided (approved=%v): %w",
			findingID, *f.HumanApproved, oasiserr.ErrStaleOrInvalidDecision)
	}

	if f.Status != models.StatusPendingApproval {
		return nil, false, fmt.Errorf("finding %s is %s, not pending_approval: %w",
			findingID, f.Status, oasiserr.ErrStaleOrInvalidDecision)
	}

	target := models.StatusRejected
	if approved {
		target = models.StatusApproved
	}
	return m.transition(ctx, findingID, target, func(f *models.Finding) error {
		if f.HumanApproved != nil {
			if *f.HumanApproved == approved {
				return nil
			}
			return fmt.Errorf("finding %s decision conflict: %w", f.ID, oasiserr.ErrStaleOrInvalidDecision)
		}
		decided := approved
		f.HumanApproved = &decided
		f.HumanFeedback = feedback
		return nil
	})
}

// AppendExecution appends an execution attempt to the audit log. Findings in
// failed may still receive post-mortem entries; other terminal states may
// not.
func (m *Manager) AppendExecution(ctx context.Context, findingID string, entry models.ExecutionEntry) (*models.Finding, error) {
	return m.mutate(ctx, findingID, "append execution", func(f *models.Finding) error {
		switch f.Status {
		case models.StatusApproved, models.StatusFailed:
		default:
			return oasiserr.Validation("append execution",
				fmt.Errorf("finding %s is %s, execution log closed", f.ID, f.Status))
		}
		f.ExecutionLog = append(f.ExecutionLog, entry)
		return nil
	})
}

// MarkMitigated moves an approved finding to mitigated after all actions
// executed successfully.
func (m *Manager) MarkMitigated(ctx context.Context, findingID string) (*models.Finding, error) {
	f, _, err := m.transition(ctx, findingID, models.StatusMitigated, nil)
	return f, err
}

// MarkFailed moves any non-terminal finding to failed, retaining its full
// evidence and execution log for post-mortem.
func (m *Manager) MarkFailed(ctx context.Context, findingID, reason string) (*models.Finding, error) {
	f, _, err := m.transition(ctx, findingID, models.StatusFailed, func(f *models.Finding) error {
		if reason != "" {
			f.ExecutionLog = append(f.ExecutionLog, models.ExecutionEntry{
				Timestamp: m.now().UTC(),
				Outcome:   models.OutcomeFailure,
				Detail:    reason,
			})
		}
		return nil
	})
	return f, err
}

// Touch rewrites updated_at without changing anything else. The engine's
// sweep uses it to rate limit re-sent approval requests.
func (m *Manager) Touch(ctx context.Context, findingID string) (*models.Finding, error) {
	return m.mutate(ctx, findingID, "touch", func(f *models.Finding) error { return nil })
}

// errAlreadyApplied signals that a concurrent writer committed the same
// transition first; the retry treats it as success without another write.
var errAlreadyApplied = errors.New("transition already applied")

// transition applies a guarded status change with the optimistic-concurrency
// read-modify-write discipline: one retry on version conflict, then surface.
// applied is false when the finding was already in the target state, either
// before the call or because a concurrent writer committed first.
func (m *Manager) transition(ctx context.Context, findingID string, to models.FindingStatus, mutateFn func(*models.Finding) error) (*models.Finding, bool, error) {
	var result *models.Finding
	err := m.withRetry(ctx, findingID, func(f *models.Finding) error {
		from := f.Status
		if from == to {
			result = f
			return errAlreadyApplied
		}
		if !transitionAllowed(from, to) {
			return oasiserr.Validation("transition",
				fmt.Errorf("illegal transition %s -> %s for finding %s", from, to, f.ID))
		}
		if mutateFn != nil {
			if err := mutateFn(f); err != nil {
				return err
			}
		}
		f.Status = to
		result = f

		log.Info().
			Str("finding_id", f.ID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Finding transition")
		return nil
	})
	if errors.Is(err, errAlreadyApplied) {
		return result, false, nil
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("finding_id", findingID).
			Str("to", string(to)).
			Msg("Finding transition failed")
		return nil, false, err
	}
	return result, true, nil
}

// mutate applies a non-status mutation under the same concurrency discipline.
func (m *Manager) mutate(ctx context.Context, findingID, op string, mutateFn func(*models.Finding) error) (*models.Finding, error) {
	var result *models.Finding
	err := m.withRetry(ctx, findingID, func(f *models.Finding) error {
		if err := mutateFn(f); err != nil {
			return err
		}
		result = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// withRetry performs read-modify-write with exactly one retry on a version
// conflict. A second conflict is surfaced as ConcurrencyConflict.
func (m *Manager) withRetry(ctx context.Context, findingID string, apply func(*models.Finding) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := m.store.GetFinding(ctx, findingID)
		if err != nil {
			return err
		}
		if err := apply(f); err != nil {
			return err
		}
		f.UpdatedAt = m.now().UTC()

		err = m.store.UpdateFinding(ctx, f, f.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, oasiserr.ErrVersionConflict) {
			return err
		}
		log.Debug().
			Str("finding_id", findingID).
			Int("attempt", attempt+1).
			Msg("Version conflict on finding write, retrying")
	}
	return oasiserr.Conflict("finding write",
		fmt.Errorf("finding %s: %w", findingID, oasiserr.ErrVersionConflict))
}

func resourcesOverlap(a map[string][]models.EvidenceRef, b map[string][]models.EvidenceRef) bool {
	for svc := range b {
		if _, ok := a[svc]; ok {
			return true
		}
	}
	return false
}

// mergeAnomalies folds fresh observations into an existing set, keyed by
// (service, kind, signal). A repeat observation replaces the stored one.
func mergeAnomalies(existing, fresh []models.Anomaly) []models.Anomaly {
	index := make(map[string]int, len(existing))
	for i, a := range existing {
		index[a.Service+"/"+string(a.Kind)+"/"+a.Signal] = i
	}
	for _, a := range fresh {
		key := a.Service + "/" + string(a.Kind) + "/" + a.Signal
		if i, ok := index[key]; ok {
			existing[i] = a
			continue
		}
		index[key] = len(existing)
		existing = append(existing, a)
	}
	return existing
}

func appendNewRefs(existing []models.EvidenceRef, refs []models.EvidenceRef) []models.EvidenceRef {
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.Kind+":"+r.ID] = true
	}
	for _, r := range refs {
		if !seen[r.Kind+":"+r.ID] {
			existing = append(existing, r)
			seen[r.Kind+":"+r.ID] = true
		}
	}
	return existing
}
