package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/oasiserr"
)

// ActionRunner invokes one remediation action against the external
// action-execution capability. The returned detail is recorded in the
// finding's execution log.
type ActionRunner interface {
	Run(ctx context.Context, findingID string, action models.ProposedAction) (detail string, err error)
}

// HTTPRunner posts actions to an action-execution endpoint.
type HTTPRunner struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRunner creates a runner for the given endpoint. A zero
// timeout defaults to 30s.
func NewHTTPRunner(endpoint string, timeout time.Duration) *HTTPRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRunner{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type actionRequest struct {
	FindingID  string            `json:"finding_id"`
	Kind       models.ActionKind `json:"kind"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type actionResponse struct {
	Detail string `json:"detail"`
	Error  string `json:"error"`
}

// Run posts the action and interprets the response. Timeouts and 5xx
// responses classify as transient so the executor retries them; 4xx
// responses are permanent remediation failures.
func (r *HTTPRunner) Run(ctx context.Context, findingID string, action models.ProposedAction) (string, error) {
	payload, err := json.Marshal(actionRequest{
		FindingID:  findingID,
		Kind:       action.Kind,
		Parameters: action.Parameters,
	})
	if err != nil {
		return "", oasiserr.Validation("executor.run", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", oasiserr.Validation("executor.run", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", oasiserr.Transient("executor.run", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var parsed actionResponse
	_ = json.Unmarshal(body, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if parsed.Detail != "" {
			return parsed.Detail, nil
		}
		return fmt.Sprintf("%s completed", action.Kind), nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", oasiserr.Transient("executor.run",
			fmt.Errorf("action endpoint returned %d: %s", resp.StatusCode, errDetail(parsed, body)))
	default:
		return "", oasiserr.Remediation("executor.run",
			fmt.Errorf("action endpoint returned %d: %s", resp.StatusCode, errDetail(parsed, body)))
	}
}

func errDetail(parsed actionResponse, body []byte) string {
	if parsed.Error != "" {
		return parsed.Error
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

// DryRunner records what would run without touching anything. Used
// when no action endpoint is configured.
type DryRunner struct{}

func (DryRunner) Run(_ context.Context, _ string, action models.ProposedAction) (string, error) {
	return fmt.Sprintf("dry run: %s not executed", action.Kind), nil
}
