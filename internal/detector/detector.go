// Package detector computes per-service baselines from historical telemetry
// and flags statistically significant deviations in the current window.
// Detection is read-only: it queries the store and produces anomalies, it
// never mutates state.
package detector

import (
	"context"
	"time"

	"github.com/oasisops/oasis/internal/models"
	"github.com/rs/zerolog/log"
)

// Source is the slice of the telemetry store the detector reads from.
type Source interface {
	ErrorCounts(ctx context.Context, service string, start, end time.Time) (map[string]int, error)
	ErrorSamples(ctx context.Context, service, errorType string, start, end time.Time, limit int) ([]models.LogEntry, error)
	DailyErrorBuckets(ctx context.Context, service, errorType string, start, end time.Time) (map[time.Time]int, error)
	MetricStats(ctx context.Context, service string, start, end time.Time) (map[string]float64, error)
	MetricDailyAverages(ctx context.Context, service, name string, start, end time.Time) (map[time.Time]float64, error)
	MetricEvidence(ctx context.Context, service, name string, start, end time.Time, limit int) ([]string, error)
}

// Config holds the operator-tunable detection thresholds.
type Config struct {
	CheckInterval      time.Duration // current window size
	BaselineDays       int           // reference depth, excluding the most recent day
	MinBaselineSamples int           // minimum reference day-buckets before a baseline counts
	RatioThreshold     float64       // observed/baseline ratio that flags
	AbsoluteDelta      float64       // per-minute delta that flags regardless of ratio
	ZeroBaselineFloor  float64       // per-minute floor when the baseline is zero
	SampleLimit        int           // evidence records attached per anomaly
}

// DefaultConfig returns sensible defaults. The numbers are starting points,
// not mandates; operators tune them per deployment.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      15 * time.Minute,
		BaselineDays:       7,
		MinBaselineSamples: 3,
		RatioThreshold:     5.0,
		AbsoluteDelta:      30.0,
		ZeroBaselineFloor:  10.0,
		SampleLimit:        5,
	}
}

// Detector flags deviations of current rates from historical baselines.
type Detector struct {
	source Source
	cfg    Config
}

// New creates a detector over the given telemetry source.
func New(source Source, cfg Config) *Detector {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 15 * time.Minute
	}
	if cfg.BaselineDays <= 0 {
		cfg.BaselineDays = 7
	}
	if cfg.MinBaselineSamples <= 0 {
		cfg.MinBaselineSamples = 3
	}
	if cfg.RatioThreshold <= 1 {
		cfg.RatioThreshold = 5.0
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = 5
	}
	return &Detector{source: source, cfg: cfg}
}

// Detect inspects one service's current window against its baseline and
// returns any anomalies. Insufficient history skips the signal rather than
// failing the run.
func (d *Detector) Detect(ctx context.Context, service string, now time.Time) ([]models.Anomaly, error) {
	windowStart := now.Add(-d.cfg.CheckInterval)
	windowMinutes := d.cfg.CheckInterval.Minutes()

	var anomalies []models.Anomaly

	counts, err := d.source.ErrorCounts(ctx, service, windowStart, now)
	if err != nil {
		return nil, err
	}
	for errType, count := range counts {
		currentRate := float64(count) / windowMinutes
		baselineRate, ok, err := d.errorBaseline(ctx, service, errType, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Debug().
				Str("service", service).
				Str("error_type", errType).
				Msg("Insufficient history for baseline, skipping signal")
			continue
		}
		if sev, ratio := d.classify(currentRate, baselineRate); sev != "" {
			evidence, err := d.errorEvidence(ctx, service, errType, windowStart, now)
			if err != nil {
				return nil, err
			}
			anomalies = append(anomalies, models.Anomaly{
				Service:      service,
				Kind:         models.AnomalyErrorRate,
				Signal:       errType,
				ObservedRate: currentRate,
				BaselineRate: baselineRate,
				Deviation:    ratio,
				Severity:     sev,
				WindowStart:  windowStart,
				WindowEnd:    now,
				Evidence:     evidence,
			})
		}
	}

	stats, err := d.source.MetricStats(ctx, service, windowStart, now)
	if err != nil {
		return nil, err
	}
	for name, current := range stats {
		baseline, ok, err := d.metricBaseline(ctx, service, name, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if sev, ratio := d.classify(current, baseline); sev != "" {
			ids, err := d.source.MetricEvidence(ctx, service, name, windowStart, now, d.cfg.SampleLimit)
			if err != nil {
				return nil, err
			}
			evidence := make([]models.EvidenceRef, 0, len(ids))
			for _, id := range ids {
				evidence = append(evidence, models.EvidenceRef{Kind: "metric", ID: id})
			}
			anomalies = append(anomalies, models.Anomaly{
				Service:      service,
				Kind:         models.AnomalyMetric,
				Signal:       name,
				ObservedRate: current,
				BaselineRate: baseline,
				Deviation:    ratio,
				Severity:     sev,
				WindowStart:  windowStart,
				WindowEnd:    now,
				Evidence:     evidence,
			})
		}
	}

	return anomalies, nil
}

// errorBaseline computes the mean per-minute error rate over the trailing
// reference window, excluding the most recent day so an in-progress incident
// does not pollute its own baseline.
func (d *Detector) errorBaseline(ctx context.Context, service, errType string, now time.Time) (float64, bool, error) {
	refEnd := now.Add(-24 * time.Hour)
	refStart := refEnd.Add(-time.Duration(d.cfg.BaselineDays) * 24 * time.Hour)

	buckets, err := d.source.DailyErrorBuckets(ctx, service, errType, refStart, refEnd)
	if err != nil {
		return 0, false, err
	}
	if len(buckets) < d.cfg.MinBaselineSamples {
		return 0, false, nil
	}

	total := 0
	for _, n := range buckets {
		total += n
	}
	avgPerDay := float64(total) / float64(len(buckets))
	return avgPerDay / 24 / 60, true, nil
}

func (d *Detector) metricBaseline(ctx context.Context, service, name string, now time.Time) (float64, bool, error) {
	refEnd := now.Add(-24 * time.Hour)
	refStart := refEnd.Add(-time.Duration(d.cfg.BaselineDays) * 24 * time.Hour)

	buckets, err := d.source.MetricDailyAverages(ctx, service, name, refStart, refEnd)
	if err != nil {
		return 0, false, err
	}
	if len(buckets) < d.cfg.MinBaselineSamples {
		return 0, false, nil
	}

	var sum float64
	for _, v := range buckets {
		sum += v
	}
	return sum / float64(len(buckets)), true, nil
}

// classify compares a current rate against its baseline and returns the
// anomaly severity (empty when within bounds) and the deviation ratio.
func (d *Detector) classify(current, baseline float64) (models.Severity, float64) {
	if baseline <= 0 {
		// Zero baseline: avoid divide-by-zero, and avoid flagging noise on
		// low-traffic services. Only a rate above the absolute floor counts.
		if current >= d.cfg.ZeroBaselineFloor {
			return models.SeverityCritical, current / 0.1
		}
		return "", 0
	}

	ratio := current / baseline
	delta := current - baseline

	flagged := ratio >= d.cfg.RatioThreshold ||
		(d.cfg.AbsoluteDelta > 0 && delta >= d.cfg.AbsoluteDelta)
	if !flagged {
		return "", ratio
	}

	t := d.cfg.RatioThreshold
	switch {
	case ratio >= 4*t:
		return models.SeverityCritical, ratio
	case ratio >= 2*t:
		return models.SeverityHigh, ratio
	case ratio >= 1.5*t:
		return models.SeverityMedium, ratio
	default:
		return models.SeverityLow, ratio
	}
}

func (d *Detector) errorEvidence(ctx context.Context, service, errType string, start, end time.Time) ([]models.EvidenceRef, error) {
	samples, err := d.source.ErrorSamples(ctx, service, errType, start, end, d.cfg.SampleLimit)
	if err != nil {
		return nil, err
	}
	evidence := make([]models.EvidenceRef, 0, len(samples))
	for _, s := range samples {
		evidence = append(evidence, models.EvidenceRef{Kind: "log", ID: s.ID})
	}
	return evidence, nil
}
