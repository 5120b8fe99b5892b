// Package executor runs approved remediation actions with an audit
// trail. Actions run strictly in order; each attempt is persisted to
// the finding's execution log before the next action starts, so a
// crashed run can be re-invoked and resumes past completed actions.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/oasisops/oasis/internal/lifecycle"
	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/oasiserr"
)

// Notifier is the resolution-report hook. Send failures are logged
// and never affect the finding's final state.
type Notifier interface {
	SendResolutionReport(f *models.Finding) error
}

// Config bounds per-action retries.
type Config struct {
	// MaxAttempts is the attempt bound per action, retrying only
	// transient failures.
	MaxAttempts int

	// RetryDelay is the initial backoff between attempts, doubling up
	// to 30s.
	RetryDelay time.Duration
}

// DefaultConfig returns the executor retry policy defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		RetryDelay:  time.Second,
	}
}

// Executor drives remediation for approved findings.
type Executor struct {
	lifecycle *lifecycle.Manager
	runner    ActionRunner
	notifier  Notifier
	cfg       Config
	sleep     func(time.Duration)
}

// New creates an Executor. notifier may be nil when email is not
// configured.
func New(lm *lifecycle.Manager, runner ActionRunner, notifier Notifier, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Executor{
		lifecycle: lm,
		runner:    runner,
		notifier:  notifier,
		cfg:       cfg,
		sleep:     time.Sleep,
	}
}

// Execute runs the finding's proposed actions in order. The finding
// must be approved. Re-invoking after a crash skips actions whose
// success is already in the execution log. A failed action halts the
// remainder and moves the finding to failed; all actions succeeding
// moves it to mitigated. Either way a resolution report goes out.
func (e *Executor) Execute(ctx context.Context, f *models.Finding) error {
	if f.Status != models.StatusApproved {
		return oasiserr.Validation("execute",
			fmt.Errorf("finding %s is %s, not approved", f.ID, f.Status))
	}
	if len(f.ProposedActions) == 0 {
		return oasiserr.Validation("execute",
			fmt.Errorf("finding %s has no proposed actions", f.ID))
	}

	done := completedActions(f)
	if done > 0 {
		log.Info().
			Str("finding_id", f.ID).
			Int("completed", done).
			Int("total", len(f.ProposedActions)).
			Msg("Resuming remediation past completed actions")
	}

	current := f
	for i := done; i < len(f.ProposedActions); i++ {
		action := f.ProposedActions[i]
		detail, attempts, runErr := e.runWithRetry(ctx, f.ID, action)

		entry := models.ExecutionEntry{
			AttemptID: ulid.Make().String(),
			Timestamp: time.Now().UTC(),
			Action:    action,
			Outcome:   models.OutcomeSuccess,
			Detail:    detail,
			Attempts:  attempts,
		}
		if runErr != nil {
			entry.Outcome = models.OutcomeFailure
			entry.Detail = runErr.Error()
		}

		updated, err := e.lifecycle.AppendExecution(ctx, f.ID, entry)
		if err != nil {
			return err
		}
		current = updated

		if runErr != nil {
			log.Error().
				Err(runErr).
				Str("finding_id", f.ID).
				Str("action", string(action.Kind)).
				Int("attempts", attempts).
				Msg("Remediation action failed, halting remaining actions")
			// The failing attempt is already in the log; no extra entry.
			failed, ferr := e.lifecycle.MarkFailed(ctx, f.ID, "")
			if ferr != nil {
				return ferr
			}
			e.report(failed)
			return oasiserr.Remediation("execute", runErr)
		}

		log.Info().
			Str("finding_id", f.ID).
			Str("action", string(action.Kind)).
			Int("attempts", attempts).
			Msg("Remediation action succeeded")
	}

	mitigated, err := e.lifecycle.MarkMitigated(ctx, current.ID)
	if err != nil {
		return err
	}
	e.report(mitigated)
	return nil
}

// runWithRetry attempts one action up to the configured bound,
// backing off only on transient failures.
func (e *Executor) runWithRetry(ctx context.Context, findingID string, action models.ProposedAction) (string, int, error) {
	backoff := e.cfg.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		detail, err := e.runner.Run(ctx, findingID, action)
		if err == nil {
			return detail, attempt, nil
		}
		lastErr = err
		if !oasiserr.IsTransient(err) {
			return "", attempt, err
		}
		log.Warn().
			Err(err).
			Str("finding_id", findingID).
			Str("action", string(action.Kind)).
			Int("attempt", attempt).
			Int("max_attempts", e.cfg.MaxAttempts).
			Msg("Transient action failure")
		if attempt < e.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return "", attempt, oasiserr.Transient("execute", ctx.Err())
			default:
			}
			e.sleep(backoff)
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}
	return "", e.cfg.MaxAttempts, lastErr
}

func (e *Executor) report(f *models.Finding) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.SendResolutionReport(f); err != nil {
		log.Warn().Err(err).Str("finding_id", f.ID).Msg("Resolution report send failed")
	}
}

// completedActions counts the leading run of successful log entries
// that line up with the proposed actions.
func completedActions(f *models.Finding) int {
	done := 0
	for _, entry := range f.ExecutionLog {
		if done >= len(f.ProposedActions) {
			break
		}
		if entry.Outcome == models.OutcomeSuccess && entry.Action.Kind == f.ProposedActions[done].Kind {
			done++
		}
	}
	return done
}
