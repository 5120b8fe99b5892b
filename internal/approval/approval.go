// Package approval records human approve/reject decisions on findings.
package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/oasisops/oasis/internal/lifecycle"
	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/oasiserr"
)

// Store is the read side the receiver needs for token checks.
type Store interface {
	GetFinding(ctx context.Context, id string) (*models.Finding, error)
}

// Receiver validates inbound decisions and applies them to findings.
// OnApproved, when set, is invoked exactly once per finding, when the
// approval transition commits, typically to hand the finding to the
// remediation executor. Replayed decision links do not re-fire it.
type Receiver struct {
	store      Store
	lifecycle  *lifecycle.Manager
	OnApproved func(f *models.Finding)
}

func NewReceiver(store Store, lm *lifecycle.Manager) *Receiver {
	return &Receiver{store: store, lifecycle: lm}
}

// Decide applies an approve or reject decision to a finding. The token
// must match the finding's decision token. Stale, replayed, or
// conflicting decisions surface oasiserr.ErrStaleOrInvalidDecision and
// leave the finding untouched.
func (r *Receiver) Decide(ctx context.Context, findingID, action, token string) (*models.Finding, error) {
	var approved bool
	switch action {
	case "approve":
		approved = true
	case "reject":
		approved = false
	default:
		return nil, oasiserr.Validation("decide",
			fmt.Errorf("unknown action %q, want approve or reject", action))
	}

	f, err := r.store.GetFinding(ctx, findingID)
	if err != nil {
		if errors.Is(err, oasiserr.ErrNotFound) {
			return nil, fmt.Errorf("finding %s: %w", findingID, oasiserr.ErrStaleOrInvalidDecision)
		}
		return nil, err
	}
	if f.DecisionToken == "" || token != f.DecisionToken {
		log.Warn().
			Str("finding_id", findingID).
			Msg("Decision rejected, token mismatch")
		return nil, fmt.Errorf("finding %s: token mismatch: %w", findingID, oasiserr.ErrStaleOrInvalidDecision)
	}

	updated, applied, err := r.lifecycle.ApplyDecision(ctx, findingID, approved, "")
	if err != nil {
		return nil, err
	}

	if !applied {
		// Idempotent replay of an already-recorded decision. Succeed
		// without re-firing side effects; a second remediation run for
		// the same approval must never start from a re-clicked link.
		log.Info().
			Str("finding_id", findingID).
			Bool("approved", approved).
			Msg("Decision already recorded, replay ignored")
		return updated, nil
	}

	log.Info().
		Str("finding_id", findingID).
		Bool("approved", approved).
		Msg("Human decision recorded")

	if approved && r.OnApproved != nil {
		r.OnApproved(updated)
	}
	return updated, nil
}
