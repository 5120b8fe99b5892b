// Package telemetry provides typed access to the indexed telemetry store:
// log entries, metric points and findings, backed by SQLite for durability
// across invocations. Finding writes are version-checked so concurrent
// invocations cannot silently overwrite each other.
package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/oasiserr"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store provides persistent telemetry storage.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the telemetry database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// WAL mode for concurrent readers; SQLite works best with a single writer.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Telemetry store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS log_entries (
			id TEXT PRIMARY KEY,
			service TEXT NOT NULL,
			level TEXT NOT NULL,
			error_type TEXT,
			status_code INTEGER,
			message TEXT NOT NULL,
			ts INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_logs_service_ts ON log_entries(service, ts);
		CREATE INDEX IF NOT EXISTS idx_logs_level_ts ON log_entries(level, ts);

		CREATE TABLE IF NOT EXISTS metric_points (
			id TEXT PRIMARY KEY,
			service TEXT NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			ts INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_metrics_service_name_ts ON metric_points(service, name, ts);

		CREATE TABLE IF NOT EXISTS findings (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			severity TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			signature TEXT NOT NULL,
			summary TEXT,
			risk_notes TEXT,
			related_resources TEXT NOT NULL,
			anomalies TEXT,
			proposed_actions TEXT,
			human_approved INTEGER,
			human_feedback TEXT,
			decision_token TEXT,
			execution_log TEXT,
			version INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_findings_status ON findings(status);
		CREATE INDEX IF NOT EXISTS idx_findings_signature ON findings(signature, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertLogs writes log entries in a single transaction.
func (s *Store) InsertLogs(ctx context.Context, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return oasiserr.Transient("insert logs", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO log_entries (id, service, level, error_type, status_code, message, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return oasiserr.Transient("insert logs", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Service, e.Level, e.ErrorType,
			e.StatusCode, e.Message, e.Timestamp.UTC().UnixMilli()); err != nil {
			return oasiserr.Transient("insert logs", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return oasiserr.Transient("insert logs", err)
	}
	return nil
}

// InsertMetrics writes metric points in a single transaction.
func (s *Store) InsertMetrics(ctx context.Context, points []models.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return oasiserr.Transient("insert metrics", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO metric_points (id, service, name, value, ts) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return oasiserr.Transient("insert metrics", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.ID, p.Service, p.Name, p.Value,
			p.Timestamp.UTC().UnixMilli()); err != nil {
			return oasiserr.Transient("insert metrics", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return oasiserr.Transient("insert metrics", err)
	}
	return nil
}

// Services returns distinct service names seen in logs within [start, end).
func (s *Store) Services(ctx context.Context, start, end time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT service FROM log_entries WHERE ts >= ? AND ts < ?
		 UNION SELECT DISTINCT service FROM metric_points WHERE ts >= ? AND ts < ?`,
		start.UTC().UnixMilli(), end.UTC().UnixMilli(),
		start.UTC().UnixMilli(), end.UTC().UnixMilli())
	if err != nil {
		return nil, oasiserr.Transient("query services", err)
	}
	defer rows.Close()

	var services []string
	for rows.Next() {
		var svc string
		if err := rows.Scan(&svc); err != nil {
			return nil, oasiserr.Transient("query services", err)
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// ErrorCounts returns the number of ERROR log entries per error type for a
// service within [start, end).
func (s *Store) ErrorCounts(ctx context.Context, service string, start, end time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(error_type, 'unknown'), COUNT(*) FROM log_entries
		 WHERE service = ? AND level = 'ERROR' AND ts >= ? AND ts < ?
		 GROUP BY error_type`,
		service, start.UTC().UnixMilli(), end.UTC().UnixMilli())
	if err != nil {
		return nil, oasiserr.Transient("query error counts", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var errType string
		var n int
		if err := rows.Scan(&errType, &n); err != nil {
			return nil, oasiserr.Transient("query error counts", err)
		}
		counts[errType] = n
	}
	return counts, rows.Err()
}

// ErrorSamples returns the newest ERROR entries of one type for a service
// within [start, end), up to limit.
func (s *Store) ErrorSamples(ctx context.Context, service, errorType string, start, end time.Time, limit int) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service, level, COALESCE(error_type, ''), COALESCE(status_code, 0), message, ts
		 FROM log_entries
		 WHERE service = ? AND level = 'ERROR' AND COALESCE(error_type, 'unknown') = ? AND ts >= ? AND ts < ?
		 ORDER BY ts DESC LIMIT ?`,
		service, errorType, start.UTC().UnixMilli(), end.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, oasiserr.Transient("query error samples", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

// RecentErrors returns the newest ERROR entries for a service across all
// error types within [start, end), up to limit.
func (s *Store) RecentErrors(ctx context.Context, service string, start, end time.Time, limit int) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service, level, COALESCE(error_type, ''), COALESCE(status_code, 0), message, ts
		 FROM log_entries
		 WHERE service = ? AND level = 'ERROR' AND ts >= ? AND ts < ?
		 ORDER BY ts DESC LIMIT ?`,
		service, start.UTC().UnixMilli(), end.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, oasiserr.Transient("query recent errors", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

// MetricStats returns the average value per metric name for a service
// within [start, end).
func (s *Store) MetricStats(ctx context.Context, service string, start, end time.Time) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, AVG(value) FROM metric_points
		 WHERE service = ? AND ts >= ? AND ts < ? GROUP BY name`,
		service, start.UTC().UnixMilli(), end.UTC().UnixMilli())
	if err != nil {
		return nil, oasiserr.Transient("query metric stats", err)
	}
	defer rows.Close()

	stats := make(map[string]float64)
	for rows.Next() {
		var name string
		var avg float64
		if err := rows.Scan(&name, &avg); err != nil {
			return nil, oasiserr.Transient("query metric stats", err)
		}
		stats[name] = avg
	}
	return stats, rows.Err()
}

// MetricEvidence returns ids of metric points for a service/name window, up
// to limit, newest first.
func (s *Store) MetricEvidence(ctx context.Context, service, name string, start, end time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM metric_points WHERE service = ? AND name = ? AND ts >= ? AND ts < ?
		 ORDER BY ts DESC LIMIT ?`,
		service, name, start.UTC().UnixMilli(), end.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, oasiserr.Transient("query metric evidence", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, oasiserr.Transient("query metric evidence", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DailyErrorBuckets returns total ERROR counts per day for a service between
// start and end, keyed by day start (UTC). Used for baseline computation.
func (s *Store) DailyErrorBuckets(ctx context.Context, service, errorType string, start, end time.Time) (map[time.Time]int, error) {
	query := `SELECT ts / 86400000, COUNT(*) FROM log_entries
		 WHERE service = ? AND level = 'ERROR' AND ts >= ? AND ts < ?`
	args := []any{service, start.UTC().UnixMilli(), end.UTC().UnixMilli()}
	if errorType != "" {
		query += ` AND COALESCE(error_type, 'unknown') = ?`
		args = append(args, errorType)
	}
	query += ` GROUP BY ts / 86400000`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, oasiserr.Transient("query daily error buckets", err)
	}
	defer rows.Close()

	buckets := make(map[time.Time]int)
	for rows.Next() {
		var day int64
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, oasiserr.Transient("query daily error buckets", err)
		}
		buckets[time.UnixMilli(day*86400000).UTC()] = n
	}
	return buckets, rows.Err()
}

// MetricDailyAverages returns per-day mean values of a metric for a service
// in [start, end).
func (s *Store) MetricDailyAverages(ctx context.Context, service, name string, start, end time.Time) (map[time.Time]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts / 86400000, AVG(value) FROM metric_points
		 WHERE service = ? AND name = ? AND ts >= ? AND ts < ?
		 GROUP BY ts / 86400000`,
		service, name, start.UTC().UnixMilli(), end.UTC().UnixMilli())
	if err != nil {
		return nil, oasiserr.Transient("query metric daily averages", err)
	}
	defer rows.Close()

	buckets := make(map[time.Time]float64)
	for rows.Next() {
		var day int64
		var avg float64
		if err := rows.Scan(&day, &avg); err != nil {
			return nil, oasiserr.Transient("query metric daily averages", err)
		}
		buckets[time.UnixMilli(day*86400000).UTC()] = avg
	}
	return buckets, rows.Err()
}

// RecentDeployment searches a service's recent logs for deployment markers.
func (s *Store) RecentDeployment(ctx context.Context, service string, since time.Time) (models.Deployment, error) {
	markers := []string{"deploy", "rollout", "release", "upgraded", "version"}
	clauses := make([]string, len(markers))
	args := []any{service, since.UTC().UnixMilli()}
	for i, m := range markers {
		clauses[i] = "message LIKE ?"
		args = append(args, "%"+m+"%")
	}
	query := fmt.Sprintf(
		`SELECT message, ts FROM log_entries WHERE service = ? AND ts >= ? AND (%s)
		 ORDER BY ts DESC LIMIT 1`, strings.Join(clauses, " OR "))

	var msg string
	var ts int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&msg, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Deployment{Found: false, Service: service}, nil
	}
	if err != nil {
		return models.Deployment{}, oasiserr.Transient("query recent deployment", err)
	}
	return models.Deployment{
		Found:     true,
		Service:   service,
		Message:   msg,
		Timestamp: time.UnixMilli(ts).UTC(),
	}, nil
}

func scanLogs(rows *sql.Rows) ([]models.LogEntry, error) {
	var entries []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.Service, &e.Level, &e.ErrorType, &e.StatusCode, &e.Message, &ts); err != nil {
			return nil, oasiserr.Transient("scan logs", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// marshalJSON is a small helper that treats nil values as SQL NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
