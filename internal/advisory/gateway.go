package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/oasiserr"
	"github.com/rs/zerolog/log"
)

// Evidence is the packaged context handed to the reasoning capability.
type Evidence struct {
	Finding     *models.Finding
	Anomalies   []models.Anomaly
	Samples     []models.LogEntry
	Deployments []models.Deployment
}

// Recommendation is the validated, normalized output of the advisory
// capability.
type Recommendation struct {
	Summary   string                  `json:"summary"`
	RiskNotes string                  `json:"risk_notes"`
	Actions   []models.ProposedAction `json:"actions"`
}

const systemPrompt = `You are an incident response advisor for a service fleet.
Given incident evidence, produce a root-cause assessment and remediation plan.
Reply with a single JSON object and nothing else:
{"summary": "...", "risk_notes": "...", "actions": [{"kind": "...", "parameters": {"service": "..."}}]}
Allowed action kinds: restart_service, rollback_deployment, scale_service, clear_cache, update_config.
Never propose actions outside that vocabulary.`

var promptTemplate = template.Must(template.New("evidence").Parse(`An anomaly requiring analysis was detected in service monitoring.

SEVERITY: {{.Finding.Severity}}
AFFECTED SERVICES:
{{- range .Anomalies}}
- {{.Service}}: {{.Signal}} at {{printf "%.2f" .ObservedRate}}/min (baseline {{printf "%.2f" .BaselineRate}}/min, {{printf "%.1f" .Deviation}}x)
{{- end}}
{{- if .Samples}}

ERROR SAMPLES:
{{- range .Samples}}
- [{{.Service}}] {{.ErrorType}}: {{.Message}}
{{- end}}
{{- end}}
{{- if .Deployments}}

DEPLOYMENT CONTEXT:
{{- range .Deployments}}
{{- if .Found}}
- {{.Service}}: {{.Message}} ({{.Timestamp.Format "2006-01-02 15:04"}} UTC)
{{- else}}
- {{.Service}}: no recent deployment
{{- end}}
{{- end}}
{{- end}}

Determine the most likely root cause and propose remediation actions.`))

// Gateway invokes the reasoning capability and validates its output.
type Gateway struct {
	provider Provider
	model    string
}

// NewGateway creates a gateway over the given provider.
func NewGateway(provider Provider, model string) *Gateway {
	return &Gateway{provider: provider, model: model}
}

// Recommend asks the reasoning capability for a remediation plan. Invalid or
// unrecognized actions are dropped with a warning; the call fails only when
// no valid actions remain.
func (g *Gateway) Recommend(ctx context.Context, ev Evidence) (*Recommendation, error) {
	var prompt strings.Builder
	if err := promptTemplate.Execute(&prompt, ev); err != nil {
		return nil, fmt.Errorf("failed to render evidence prompt: %w", err)
	}

	resp, err := g.provider.Chat(ctx, ChatRequest{
		Model:  g.model,
		System: systemPrompt,
		Messages: []Message{
			{Role: "user", Content: prompt.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("advisory call failed: %w", err)
	}

	rec, err := parseRecommendation(resp.Content)
	if err != nil {
		return nil, oasiserr.Validation("parse recommendation", err)
	}

	valid := rec.Actions[:0]
	for _, action := range rec.Actions {
		if !models.KnownActionKind(action.Kind) {
			log.Warn().
				Str("finding_id", ev.Finding.ID).
				Str("kind", string(action.Kind)).
				Msg("Dropping unrecognized action kind from recommendation")
			continue
		}
		valid = append(valid, action)
	}
	rec.Actions = valid

	if len(rec.Actions) == 0 {
		return nil, oasiserr.Validation("recommendation",
			fmt.Errorf("no valid actions in recommendation for finding %s", ev.Finding.ID))
	}

	log.Info().
		Str("finding_id", ev.Finding.ID).
		Int("actions", len(rec.Actions)).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Msg("Advisory recommendation received")

	return rec, nil
}

// parseRecommendation extracts the first JSON object from the model reply.
// Models occasionally wrap JSON in code fences or prose; tolerate that.
func parseRecommendation(content string) (*Recommendation, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in advisory reply")
	}

	var rec Recommendation
	if err := json.Unmarshal([]byte(content[start:end+1]), &rec); err != nil {
		return nil, fmt.Errorf("malformed recommendation JSON: %w", err)
	}
	if strings.TrimSpace(rec.Summary) == "" {
		return nil, fmt.Errorf("recommendation carries no summary")
	}
	return &rec, nil
}
