// Package simulator seeds the telemetry store with realistic service
// logs and metrics, including injectable incident scenarios, so the
// detection pipeline can be exercised without a live fleet.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/telemetry"
)

// ServiceProfile describes one simulated service.
type ServiceProfile struct {
	Name         string
	Type         string // gateway, microservice, database, cache
	Dependencies []string

	// ErrorsPerMinute is the baseline ERROR log rate.
	ErrorsPerMinute float64

	// InfoPerMinute is the baseline INFO log rate.
	InfoPerMinute float64
}

// DefaultFleet returns a small e-commerce style fleet with enough
// dependency structure for correlation to have something to merge.
func DefaultFleet() []ServiceProfile {
	return []ServiceProfile{
		{Name: "api-gateway", Type: "gateway", Dependencies: []string{"payment-api", "user-api"}, ErrorsPerMinute: 2, InfoPerMinute: 40},
		{Name: "payment-api", Type: "microservice", Dependencies: []string{"orders-db"}, ErrorsPerMinute: 1, InfoPerMinute: 25},
		{Name: "user-api", Type: "microservice", Dependencies: []string{"orders-db", "session-cache"}, ErrorsPerMinute: 1, InfoPerMinute: 30},
		{Name: "orders-db", Type: "database", ErrorsPerMinute: 0.5, InfoPerMinute: 10},
		{Name: "session-cache", Type: "cache", ErrorsPerMinute: 0.2, InfoPerMinute: 8},
	}
}

var errorTypesByServiceType = map[string][]string{
	"gateway":      {"RouteNotFound", "InvalidRequest", "AuthenticationFailure", "RateLimitExceeded", "ServiceUnavailable"},
	"microservice": {"InternalServerError", "DependencyTimeout", "ValidationError", "ResourceNotFound"},
	"database":     {"ConnectionFailure", "QueryTimeout", "DeadlockDetected", "TransactionRollback"},
	"cache":        {"CacheEviction", "KeyNotFound", "MemoryLimitExceeded", "ConnectionRefused"},
}

var metricNamesByServiceType = map[string][]string{
	"gateway":      {"request_count", "request_latency", "status_5xx", "cpu_utilization"},
	"microservice": {"request_count", "request_latency", "cpu_utilization", "heap_usage"},
	"database":     {"query_count", "query_latency", "connection_count", "disk_usage"},
	"cache":        {"hit_rate", "eviction_count", "get_latency", "memory_utilization"},
}

// Incident injects an error storm into one service during the most
// recent window.
type Incident struct {
	Service     string
	ErrorType   string
	SpikeFactor float64 // multiplier over the baseline error rate

	// WithDeployment also emits a deployment marker log shortly
	// before the storm starts.
	WithDeployment bool
}

// Options control one simulation run.
type Options struct {
	Fleet []ServiceProfile

	// BaselineDays of history to backfill before now.
	BaselineDays int

	// Window is the hot span immediately before now, generated at
	// per-minute resolution. The incident, if any, lands here.
	Window time.Duration

	Incident *Incident
	Seed     int64
}

// Simulator writes generated telemetry through the store.
type Simulator struct {
	store *telemetry.Store
	rng   *rand.Rand
}

func New(store *telemetry.Store, seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{store: store, rng: rand.New(rand.NewSource(seed))}
}

// Run backfills baseline history and generates the current window.
func (s *Simulator) Run(ctx context.Context, opts Options) error {
	if len(opts.Fleet) == 0 {
		opts.Fleet = DefaultFleet()
	}
	if opts.BaselineDays <= 0 {
		opts.BaselineDays = 7
	}
	if opts.Window <= 0 {
		opts.Window = 15 * time.Minute
	}
	now := time.Now().UTC()

	log.Info().
		Int("services", len(opts.Fleet)).
		Int("baseline_days", opts.BaselineDays).
		Dur("window", opts.Window).
		Bool("incident", opts.Incident != nil).
		Msg("Simulation started")

	if err := s.backfill(ctx, opts.Fleet, opts.BaselineDays, now.Add(-opts.Window)); err != nil {
		return err
	}
	if err := s.window(ctx, opts.Fleet, opts.Incident, now.Add(-opts.Window), now); err != nil {
		return err
	}

	log.Info().Msg("Simulation finished")
	return nil
}

// backfill writes baseline-rate history in hourly strides. Counts per
// hour are Poisson-ish around rate*60 so day buckets vary naturally.
func (s *Simulator) backfill(ctx context.Context, fleet []ServiceProfile, days int, until time.Time) error {
	start := until.Add(-time.Duration(days) * 24 * time.Hour)
	for hour := start; hour.Before(until); hour = hour.Add(time.Hour) {
		var logs []models.LogEntry
		var points []models.MetricPoint
		for _, svc := range fleet {
			logs = append(logs, s.hourLogs(svc, hour, 1.0)...)
			points = append(points, s.hourMetrics(svc, hour, 1.0)...)
		}
		if err := s.store.InsertLogs(ctx, logs); err != nil {
			return err
		}
		if err := s.store.InsertMetrics(ctx, points); err != nil {
			return err
		}
	}
	return nil
}

// window generates the hot span minute by minute, applying the
// incident's spike factor to its target service.
func (s *Simulator) window(ctx context.Context, fleet []ServiceProfile, inc *Incident, start, end time.Time) error {
	if inc != nil && inc.WithDeployment {
		marker := models.LogEntry{
			ID:        uuid.NewString(),
			Service:   inc.Service,
			Level:     "INFO",
			Message:   fmt.Sprintf("Deployed version 2.%d.%d to production", s.rng.Intn(9)+1, s.rng.Intn(20)),
			Timestamp: start.Add(-5 * time.Minute),
		}
		if err := s.store.InsertLogs(ctx, []models.LogEntry{marker}); err != nil {
			return err
		}
	}

	var logs []models.LogEntry
	var points []models.MetricPoint
	for minute := start; minute.Before(end); minute = minute.Add(time.Minute) {
		for _, svc := range fleet {
			factor := 1.0
			if inc != nil && inc.Service == svc.Name {
				factor = inc.SpikeFactor
				if factor <= 1 {
					factor = 10
				}
			}
			logs = append(logs, s.minuteLogs(svc, minute, factor, inc)...)
			points = append(points, s.minuteMetrics(svc, minute, factor)...)
		}
	}
	if err := s.store.InsertLogs(ctx, logs); err != nil {
		return err
	}
	return s.store.InsertMetrics(ctx, points)
}

func (s *Simulator) hourLogs(svc ServiceProfile, hour time.Time, factor float64) []models.LogEntry {
	var out []models.LogEntry
	errCount := s.jittered(svc.ErrorsPerMinute * 60 * factor)
	for i := 0; i < errCount; i++ {
		out = append(out, s.errorLog(svc, hour.Add(time.Duration(s.rng.Intn(3600))*time.Second), ""))
	}
	// A thin sample of INFO traffic is enough for baseline realism.
	infoCount := s.jittered(svc.InfoPerMinute * 6)
	for i := 0; i < infoCount; i++ {
		out = append(out, s.infoLog(svc, hour.Add(time.Duration(s.rng.Intn(3600))*time.Second)))
	}
	return out
}

func (s *Simulator) minuteLogs(svc ServiceProfile, minute time.Time, factor float64, inc *Incident) []models.LogEntry {
	var out []models.LogEntry
	errCount := s.jittered(svc.ErrorsPerMinute * factor)
	forcedType := ""
	if inc != nil && inc.Service == svc.Name {
		forcedType = inc.ErrorType
	}
	for i := 0; i < errCount; i++ {
		out = append(out, s.errorLog(svc, minute.Add(time.Duration(s.rng.Intn(60))*time.Second), forcedType))
	}
	infoCount := s.jittered(svc.InfoPerMinute)
	for i := 0; i < infoCount; i++ {
		out = append(out, s.infoLog(svc, minute.Add(time.Duration(s.rng.Intn(60))*time.Second)))
	}
	return out
}

func (s *Simulator) errorLog(svc ServiceProfile, ts time.Time, forcedType string) models.LogEntry {
	errType := forcedType
	if errType == "" {
		types := errorTypesByServiceType[svc.Type]
		errType = types[s.rng.Intn(len(types))]
	}
	return models.LogEntry{
		ID:         uuid.NewString(),
		Service:    svc.Name,
		Level:      "ERROR",
		ErrorType:  errType,
		StatusCode: 500,
		Message:    fmt.Sprintf("%s: request failed (trace %s)", errType, uuid.NewString()[:8]),
		Timestamp:  ts,
	}
}

func (s *Simulator) infoLog(svc ServiceProfile, ts time.Time) models.LogEntry {
	return models.LogEntry{
		ID:         uuid.NewString(),
		Service:    svc.Name,
		Level:      "INFO",
		StatusCode: 200,
		Message:    fmt.Sprintf("handled request in %dms", s.rng.Intn(120)+5),
		Timestamp:  ts,
	}
}

func (s *Simulator) hourMetrics(svc ServiceProfile, hour time.Time, factor float64) []models.MetricPoint {
	var out []models.MetricPoint
	for _, name := range metricNamesByServiceType[svc.Type] {
		for i := 0; i < 4; i++ {
			out = append(out, s.metricPoint(svc, name, hour.Add(time.Duration(i)*15*time.Minute), factor))
		}
	}
	return out
}

func (s *Simulator) minuteMetrics(svc ServiceProfile, minute time.Time, factor float64) []models.MetricPoint {
	var out []models.MetricPoint
	for _, name := range metricNamesByServiceType[svc.Type] {
		out = append(out, s.metricPoint(svc, name, minute, factor))
	}
	return out
}

func (s *Simulator) metricPoint(svc ServiceProfile, name string, ts time.Time, factor float64) models.MetricPoint {
	base := 50.0
	switch name {
	case "request_latency", "query_latency", "get_latency":
		base = 30 * factor
	case "status_5xx", "eviction_count":
		base = 2 * factor
	case "hit_rate":
		base = 95 / factor
	default:
		base = 50 + s.rng.Float64()*20
	}
	return models.MetricPoint{
		ID:        uuid.NewString(),
		Service:   svc.Name,
		Name:      name,
		Value:     base * (0.85 + s.rng.Float64()*0.3),
		Timestamp: ts,
	}
}

// jittered turns a fractional rate into an integer count with noise.
func (s *Simulator) jittered(rate float64) int {
	if rate <= 0 {
		return 0
	}
	n := int(rate * (0.7 + s.rng.Float64()*0.6))
	if n == 0 && s.rng.Float64() < rate {
		n = 1
	}
	return n
}
