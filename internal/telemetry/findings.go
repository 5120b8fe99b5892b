package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/oasiserr"
)

// CreateFinding inserts a new finding. The finding's Version is set to 1 on
// success.
func (s *Store) CreateFinding(ctx context.Context, f *models.Finding) error {
	related, err := marshalJSON(f.RelatedResources)
	if err != nil {
		return oasiserr.Validation("create finding", err)
	}
	anomalies, err := marshalJSON(f.Anomalies)
	if err != nil {
		return oasiserr.Validation("create finding", err)
	}
	actions, err := marshalJSON(f.ProposedActions)
	if err != nil {
		return oasiserr.Validation("create finding", err)
	}
	execLog, err := marshalJSON(f.ExecutionLog)
	if err != nil {
		return oasiserr.Validation("create finding", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO findings
		 (id, status, severity, detected_at, updated_at, signature, summary, risk_notes,
		  related_resources, anomalies, proposed_actions, human_approved, human_feedback,
		  decision_token, execution_log, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		f.ID, f.Status, f.Severity,
		f.DetectedAt.UTC().UnixMilli(), f.UpdatedAt.UTC().UnixMilli(),
		f.Signature, f.Summary, f.RiskNotes,
		related, anomalies, actions, boolPtrToInt(f.HumanApproved), f.HumanFeedback,
		f.DecisionToken, execLog)
	if err != nil {
		return oasiserr.Transient("create finding", err)
	}
	f.Version = 1
	return nil
}

// GetFinding returns a finding by id, or oasiserr.ErrNotFound.
func (s *Store) GetFinding(ctx context.Context, id string) (*models.Finding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, severity, detected_at, updated_at, signature,
		        COALESCE(summary, ''), COALESCE(risk_notes, ''),
		        related_resources, anomalies, proposed_actions, human_approved,
		        COALESCE(human_feedback, ''), COALESCE(decision_token, ''),
		        execution_log, version
		 FROM findings WHERE id = ?`, id)
	f, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding %s: %w", id, oasiserr.ErrNotFound)
	}
	if err != nil {
		return nil, oasiserr.Transient("get finding", err)
	}
	return f, nil
}

// UpdateFinding writes the finding conditioned on the stored version still
// matching expectVersion. On success the finding's Version is incremented.
// Returns oasiserr.ErrVersionConflict when another writer got there first.
func (s *Store) UpdateFinding(ctx context.Context, f *models.Finding, expectVersion int64) error {
	related, err := marshalJSON(f.RelatedResources)
	if err != nil {
		return oasiserr.Validation("update finding", err)
	}
	anomalies, err := marshalJSON(f.Anomalies)
	if err != nil {
		return oasiserr.Validation("update finding", err)
	}
	actions, err := marshalJSON(f.ProposedActions)
	if err != nil {
		return oasiserr.Validation("update finding", err)
	}
	execLog, err := marshalJSON(f.ExecutionLog)
	if err != nil {
		return oasiserr.Validation("update finding", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE findings SET
		   status = ?, severity = ?, updated_at = ?, summary = ?, risk_notes = ?,
		   related_resources = ?, anomalies = ?, proposed_actions = ?, human_approved = ?,
		   human_feedback = ?, decision_token = ?, execution_log = ?,
		   version = version + 1
		 WHERE id = ? AND version = ?`,
		f.Status, f.Severity, f.UpdatedAt.UTC().UnixMilli(), f.Summary, f.RiskNotes,
		related, anomalies, actions, boolPtrToInt(f.HumanApproved),
		f.HumanFeedback, f.DecisionToken, execLog,
		f.ID, expectVersion)
	if err != nil {
		return oasiserr.Transient("update finding", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return oasiserr.Transient("update finding", err)
	}
	if affected == 0 {
		return fmt.Errorf("finding %s at version %d: %w", f.ID, expectVersion, oasiserr.ErrVersionConflict)
	}
	f.Version = expectVersion + 1
	return nil
}

// OpenFindingsSince returns findings whose status is non-terminal-open
// (anything except mitigated, rejected, failed) updated at or after cutoff.
// Used by the dedup admission check.
func (s *Store) OpenFindingsSince(ctx context.Context, cutoff time.Time) ([]*models.Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, severity, detected_at, updated_at, signature,
		        COALESCE(summary, ''), COALESCE(risk_notes, ''),
		        related_resources, anomalies, proposed_actions, human_approved,
		        COALESCE(human_feedback, ''), COALESCE(decision_token, ''),
		        execution_log, version
		 FROM findings
		 WHERE status NOT IN ('mitigated', 'rejected', 'failed') AND updated_at >= ?
		 ORDER BY updated_at DESC`,
		cutoff.UTC().UnixMilli())
	if err != nil {
		return nil, oasiserr.Transient("query open findings", err)
	}
	defer rows.Close()

	var findings []*models.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, oasiserr.Transient("scan finding", err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// FindingsByStatus returns all findings currently in the given status.
func (s *Store) FindingsByStatus(ctx context.Context, status models.FindingStatus) ([]*models.Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, severity, detected_at, updated_at, signature,
		        COALESCE(summary, ''), COALESCE(risk_notes, ''),
		        related_resources, anomalies, proposed_actions, human_approved,
		        COALESCE(human_feedback, ''), COALESCE(decision_token, ''),
		        execution_log, version
		 FROM findings WHERE status = ? ORDER BY updated_at DESC`, status)
	if err != nil {
		return nil, oasiserr.Transient("query findings by status", err)
	}
	defer rows.Close()

	var findings []*models.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, oasiserr.Transient("scan finding", err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFinding(row rowScanner) (*models.Finding, error) {
	var f models.Finding
	var detectedAt, updatedAt int64
	var related, anomalies, actions, execLog sql.NullString
	var approved sql.NullInt64

	err := row.Scan(&f.ID, &f.Status, &f.Severity, &detectedAt, &updatedAt,
		&f.Signature, &f.Summary, &f.RiskNotes,
		&related, &anomalies, &actions, &approved, &f.HumanFeedback, &f.DecisionToken,
		&execLog, &f.Version)
	if err != nil {
		return nil, err
	}

	f.DetectedAt = time.UnixMilli(detectedAt).UTC()
	f.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if related.Valid && related.String != "" {
		if err := json.Unmarshal([]byte(related.String), &f.RelatedResources); err != nil {
			return nil, err
		}
	}
	if anomalies.Valid && anomalies.String != "" {
		if err := json.Unmarshal([]byte(anomalies.String), &f.Anomalies); err != nil {
			return nil, err
		}
	}
	if actions.Valid && actions.String != "" {
		if err := json.Unmarshal([]byte(actions.String), &f.ProposedActions); err != nil {
			return nil, err
		}
	}
	if execLog.Valid && execLog.String != "" {
		if err := json.Unmarshal([]byte(execLog.String), &f.ExecutionLog); err != nil {
			return nil, err
		}
	}
	if approved.Valid {
		v := approved.Int64 == 1
		f.HumanApproved = &v
	}
	return &f, nil
}

func boolPtrToInt(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
