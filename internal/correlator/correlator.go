// Package correlator groups anomalies that belong to the same underlying
// incident. Anomalies merge when their time windows overlap and their
// services are linked, either directly or through the configured dependency
// relation. Grouping is union-find based, so the result is always the
// coarsest grouping: one real incident never fragments into several
// candidates.
package correlator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/oasisops/oasis/internal/models"
	"github.com/rs/zerolog/log"
)

// Config configures the correlation relation.
type Config struct {
	// Dependencies maps a service to the services it depends on. Links are
	// treated as bidirectional for grouping purposes.
	Dependencies map[string][]string
}

// Correlator merges anomalies into incident candidates.
type Correlator struct {
	linked map[string]map[string]bool
}

// New builds a correlator from the dependency configuration.
func New(cfg Config) *Correlator {
	linked := make(map[string]map[string]bool)
	add := func(a, b string) {
		if linked[a] == nil {
			linked[a] = make(map[string]bool)
		}
		linked[a][b] = true
	}
	for svc, deps := range cfg.Dependencies {
		for _, dep := range deps {
			add(svc, dep)
			add(dep, svc)
		}
	}
	return &Correlator{linked: linked}
}

// Correlate groups the anomalies into incident candidates. A single-service
// anomaly forms its own candidate.
func (c *Correlator) Correlate(anomalies []models.Anomaly, now time.Time) []models.IncidentCandidate {
	if len(anomalies) == 0 {
		return nil
	}

	parent := make([]int, len(anomalies))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		parent[find(a)] = find(b)
	}

	for i := 0; i < len(anomalies); i++ {
		for j := i + 1; j < len(anomalies); j++ {
			if c.related(anomalies[i], anomalies[j]) {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]models.Anomaly)
	for i, a := range anomalies {
		root := find(i)
		groups[root] = append(groups[root], a)
	}

	candidates := make([]models.IncidentCandidate, 0, len(groups))
	for _, members := range groups {
		candidates = append(candidates, buildCandidate(members))
	}

	// Deterministic output order for stable downstream behavior.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Severity.Rank() != candidates[j].Severity.Rank() {
			return candidates[i].Severity.Rank() > candidates[j].Severity.Rank()
		}
		return candidates[i].Signature < candidates[j].Signature
	})

	log.Debug().
		Int("anomalies", len(anomalies)).
		Int("candidates", len(candidates)).
		Msg("Correlated anomalies into incident candidates")

	return candidates
}

// related reports whether two anomalies belong to the same incident:
// overlapping windows plus linked services or a shared error signature.
func (c *Correlator) related(a, b models.Anomaly) bool {
	if !overlaps(a, b) {
		return false
	}
	if a.Service == b.Service {
		return true
	}
	if c.linked[a.Service][b.Service] {
		return true
	}
	// Co-occurring identical error signatures link services even without a
	// declared dependency (e.g. a shared downstream timing out).
	if a.Kind == models.AnomalyErrorRate && b.Kind == models.AnomalyErrorRate && a.Signal == b.Signal {
		return true
	}
	return false
}

func overlaps(a, b models.Anomaly) bool {
	return !a.WindowEnd.Before(b.WindowStart) && !b.WindowEnd.Before(a.WindowStart)
}

func buildCandidate(members []models.Anomaly) models.IncidentCandidate {
	cand := models.IncidentCandidate{
		Anomalies: members,
		Resources: make(map[string][]models.EvidenceRef),
	}

	for _, a := range members {
		cand.Severity = models.MaxSeverity(cand.Severity, a.Severity)
		cand.Resources[a.Service] = append(cand.Resources[a.Service], a.Evidence...)
		if cand.WindowStart.IsZero() || a.WindowStart.Before(cand.WindowStart) {
			cand.WindowStart = a.WindowStart
		}
		if a.WindowEnd.After(cand.WindowEnd) {
			cand.WindowEnd = a.WindowEnd
		}
	}

	cand.Signature = signature(members)
	return cand
}

// signature derives a stable identity from the service set and anomaly
// signals. It deliberately excludes the window bounds: the dedup check in the
// state machine owns the time dimension.
func signature(members []models.Anomaly) string {
	keys := make([]string, 0, len(members))
	for _, a := range members {
		keys = append(keys, a.Service+"/"+string(a.Kind)+"/"+a.Signal)
	}
	sort.Strings(keys)

	h := sha256.Sum256([]byte(strings.Join(keys, "|")))
	return hex.EncodeToString(h[:8])
}
