// Package engine orchestrates one detection invocation: read recent
// telemetry, flag anomalies per service, correlate them into incident
// candidates, admit findings, request an advisory recommendation, and
// put findings in front of a human.
//
// Invocations are discrete and stateless. Every invocation re-derives
// what to do from persisted finding status, so a crash mid-invocation
// is recovered by simply running the next tick.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/oasisops/oasis/internal/advisory"
	"github.com/oasisops/oasis/internal/config"
	"github.com/oasisops/oasis/internal/correlator"
	"github.com/oasisops/oasis/internal/detector"
	"github.com/oasisops/oasis/internal/lifecycle"
	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/telemetry"
)

// Advisor produces a remediation recommendation from evidence.
type Advisor interface {
	Recommend(ctx context.Context, ev advisory.Evidence) (*advisory.Recommendation, error)
}

// Notifier is the engine's slice of the notification dispatcher. Both
// sends are best effort.
type Notifier interface {
	SendDetectionSummary(f *models.Finding) error
	SendApprovalRequest(f *models.Finding) error
}

// Remediator runs an approved finding's actions. The sweep uses it to
// resume remediation that a crashed or interrupted run left behind.
type Remediator interface {
	Execute(ctx context.Context, f *models.Finding) error
}

// Engine wires the detection pipeline together.
type Engine struct {
	store      *telemetry.Store
	detector   *detector.Detector
	correlator *correlator.Correlator
	lifecycle  *lifecycle.Manager
	advisor    Advisor
	notifier   Notifier
	remediator Remediator
	cfg        *config.Config
	now        func() time.Time
}

// New assembles an Engine from its parts. notifier may be nil when
// email is not configured.
func New(store *telemetry.Store, cfg *config.Config, advisor Advisor, notifier Notifier) *Engine {
	det := detector.New(store, detector.Config{
		CheckInterval:      cfg.CheckInterval,
		BaselineDays:       cfg.BaselineDays,
		MinBaselineSamples: cfg.MinBaselineSamples,
		RatioThreshold:     cfg.RatioThreshold,
		AbsoluteDelta:      cfg.AbsoluteDelta,
		ZeroBaselineFloor:  cfg.ZeroBaselineFloor,
	})
	return &Engine{
		store:      store,
		detector:   det,
		correlator: correlator.New(correlator.Config{Dependencies: cfg.Dependencies}),
		lifecycle:  lifecycle.NewManager(store, lifecycle.Config{DedupWindow: cfg.DedupWindow}),
		advisor:    advisor,
		notifier:   notifier,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Lifecycle exposes the finding state machine, shared with the
// approval receiver and the executor.
func (e *Engine) Lifecycle() *lifecycle.Manager { return e.lifecycle }

// SetRemediator hands the engine the executor so the sweep can resume
// stalled approved findings. May be left unset in read-only setups.
func (e *Engine) SetRemediator(r Remediator) { e.remediator = r }

// RunDetection performs one bounded invocation. Per-service detection
// failures are isolated: one broken service never aborts its siblings,
// and one stuck finding never blocks the rest.
func (e *Engine) RunDetection(ctx context.Context) error {
	start := e.now().UTC()
	ctx, cancel := context.WithDeadline(ctx, start.Add(e.cfg.InvocationBudget))
	defer cancel()

	// Keep a slice of the budget in reserve: past this point the
	// invocation stops admitting new candidates and only finishes
	// what is in flight.
	admitDeadline := start.Add(e.cfg.InvocationBudget * 8 / 10)

	log.Info().Time("window_end", start).Msg("Detection invocation started")

	services, err := e.store.Services(ctx, start.Add(-e.cfg.CheckInterval), start)
	if err != nil {
		metricInvocations.WithLabelValues("error").Inc()
		return err
	}

	anomalies := e.detectAll(ctx, services, start)
	for _, a := range anomalies {
		metricAnomalies.WithLabelValues(string(a.Severity)).Inc()
	}

	candidates := e.correlator.Correlate(anomalies, start)
	log.Info().
		Int("services", len(services)).
		Int("anomalies", len(anomalies)).
		Int("candidates", len(candidates)).
		Msg("Correlation complete")

	for _, cand := range candidates {
		if e.now().After(admitDeadline) {
			log.Warn().
				Str("signature", cand.Signature).
				Msg("Invocation budget nearly exhausted, deferring remaining candidates to next tick")
			break
		}
		f, created, err := e.lifecycle.Admit(ctx, cand)
		if err != nil {
			log.Error().Err(err).Str("signature", cand.Signature).Msg("Candidate admission failed")
			continue
		}
		if created {
			metricFindings.WithLabelValues("created").Inc()
		} else {
			metricFindings.WithLabelValues("merged").Inc()
		}
		if created && e.notifier != nil {
			if err := e.notifier.SendDetectionSummary(f); err != nil {
				log.Warn().Err(err).Str("finding_id", f.ID).Msg("Detection summary send failed")
			}
		}
	}

	e.advanceOpenFindings(ctx)

	metricInvocations.WithLabelValues("ok").Inc()
	log.Info().
		Dur("elapsed", e.now().Sub(start)).
		Msg("Detection invocation finished")
	return nil
}

// detectAll runs per-service detection concurrently. Each service's
// errors are logged and swallowed so the rest keep going.
func (e *Engine) detectAll(ctx context.Context, services []string, now time.Time) []models.Anomaly {
	var (
		mu  sync.Mutex
		all []models.Anomaly
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, service := range services {
		service := service
		g.Go(func() error {
			found, err := e.detector.Detect(gctx, service, now)
			if err != nil {
				metricServiceErrors.Inc()
				log.Error().Err(err).Str("service", service).Msg("Detection failed for service, skipping")
				return nil
			}
			if len(found) > 0 {
				mu.Lock()
				all = append(all, found...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return all
}

// advanceOpenFindings re-drives every open finding from its persisted
// status, which also resumes findings a previous crashed invocation
// left mid-pipeline.
func (e *Engine) advanceOpenFindings(ctx context.Context) {
	cutoff := e.now().UTC().Add(-7 * 24 * time.Hour)
	open, err := e.store.OpenFindingsSince(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Open finding sweep failed")
		return
	}
	metricOpenFindings.Set(float64(len(open)))

	for _, f := range open {
		if err := e.advance(ctx, f); err != nil {
			log.Error().
				Err(err).
				Str("finding_id", f.ID).
				Str("status", string(f.Status)).
				Msg("Failed to advance finding")
		}
	}
}

// advance moves one finding a step forward based on where it is. Every
// non-terminal status has a sweep path, so any crash point is recovered
// from persisted state alone: pending_approval findings whose email may
// never have gone out get the request re-sent, and approved findings
// whose remediation run died get re-executed (the executor skips
// actions already in the log).
func (e *Engine) advance(ctx context.Context, f *models.Finding) error {
	switch f.Status {
	case models.StatusInitialDetection:
		return e.analyze(ctx, f)
	case models.StatusAnalysisComplete:
		return e.requestApproval(ctx, f)
	case models.StatusPendingApproval:
		return e.remindApproval(ctx, f)
	case models.StatusApproved:
		return e.resumeExecution(ctx, f)
	default:
		return nil
	}
}

// remindApproval re-sends the approval request for a pending finding
// nobody has answered. Stale means untouched for a full dedup window,
// which also rate limits the reminders; the touch afterwards restarts
// that clock.
func (e *Engine) remindApproval(ctx context.Context, f *models.Finding) error {
	if e.notifier == nil || e.now().UTC().Sub(f.UpdatedAt) < e.cfg.DedupWindow {
		return nil
	}
	log.Info().
		Str("finding_id", f.ID).
		Time("pending_since", f.UpdatedAt).
		Msg("Re-sending unanswered approval request")
	if err := e.notifier.SendApprovalRequest(f); err != nil {
		log.Warn().Err(err).Str("finding_id", f.ID).Msg("Approval request send failed")
		return nil
	}
	_, err := e.lifecycle.Touch(ctx, f.ID)
	return err
}

// resumeExecution re-drives remediation for an approved finding whose
// run never finished. A live run appends to the execution log and keeps
// updated_at fresh, so only findings stale for a whole invocation
// budget are picked up; that keeps the sweep off the heels of an
// executor started by the approval callback.
func (e *Engine) resumeExecution(ctx context.Context, f *models.Finding) error {
	if e.remediator == nil || e.now().UTC().Sub(f.UpdatedAt) < e.cfg.InvocationBudget {
		return nil
	}
	log.Info().
		Str("finding_id", f.ID).
		Int("logged_attempts", len(f.ExecutionLog)).
		Msg("Resuming stalled remediation")
	return e.remediator.Execute(ctx, f)
}

// analyze gathers evidence, asks the advisory capability for a
// recommendation, and records it on the finding.
func (e *Engine) analyze(ctx context.Context, f *models.Finding) error {
	ev := e.gatherEvidence(ctx, f)
	rec, err := e.advisor.Recommend(ctx, ev)
	if err != nil {
		metricAdvisory.WithLabelValues("error").Inc()
		// The finding stays in initial_detection; the next tick
		// retries the analysis.
		return err
	}
	metricAdvisory.WithLabelValues("ok").Inc()

	updated, err := e.lifecycle.MarkAnalyzed(ctx, f.ID, rec.Summary, rec.RiskNotes, rec.Actions)
	if err != nil {
		return err
	}
	return e.requestApproval(ctx, updated)
}

// requestApproval persists the transition first, then sends the email.
// A crash between the two is recovered by a human-visible pending
// finding with a resendable link, never by a link to an unsaved state.
func (e *Engine) requestApproval(ctx context.Context, f *models.Finding) error {
	updated, err := e.lifecycle.MarkPendingApproval(ctx, f.ID)
	if err != nil {
		return err
	}
	if e.notifier != nil {
		if err := e.notifier.SendApprovalRequest(updated); err != nil {
			log.Warn().Err(err).Str("finding_id", f.ID).Msg("Approval request send failed")
		}
	}
	return nil
}

// gatherEvidence packages the finding's context for the advisory
// prompt: the anomaly rates carried on the finding, recent error
// samples for each affected service, and any deployment markers from
// the last day.
func (e *Engine) gatherEvidence(ctx context.Context, f *models.Finding) advisory.Evidence {
	now := e.now().UTC()
	ev := advisory.Evidence{Finding: f, Anomalies: f.Anomalies}

	for _, service := range f.Services() {
		samples, err := e.store.RecentErrors(ctx, service, now.Add(-e.cfg.CheckInterval), now, 5)
		if err != nil {
			log.Warn().Err(err).Str("service", service).Msg("Error sample fetch failed")
		} else {
			ev.Samples = append(ev.Samples, samples...)
		}

		dep, err := e.store.RecentDeployment(ctx, service, now.Add(-24*time.Hour))
		if err != nil {
			log.Warn().Err(err).Str("service", service).Msg("Deployment lookup failed")
		} else if dep.Found {
			ev.Deployments = append(ev.Deployments, dep)
		}
	}
	return ev
}

// Serve runs scheduled detection at the configured interval until ctx
// is cancelled. The first invocation runs immediately.
func (e *Engine) Serve(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()

	if err := e.RunDetection(ctx); err != nil {
		log.Error().Err(err).Msg("Detection invocation failed")
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Detection loop stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := e.RunDetection(ctx); err != nil {
				log.Error().Err(err).Msg("Detection invocation failed")
			}
		}
	}
}
