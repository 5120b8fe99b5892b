package advisory

import (
	"fmt"
	"time"

	"github.com/oasisops/oasis/internal/config"
)

// NewFromConfig creates a Provider from the advisory configuration.
func NewFromConfig(cfg *config.Config) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	timeout := cfg.AdvisoryTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	switch cfg.AdvisoryProvider {
	case "anthropic":
		if cfg.AdvisoryAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key is required")
		}
		return NewAnthropicClient(cfg.AdvisoryAPIKey, cfg.AdvisoryModel, cfg.AdvisoryBaseURL, timeout), nil

	case "openai":
		// OpenAI-compatible endpoints (local inference servers included) may
		// run without a key when a base URL is set.
		if cfg.AdvisoryAPIKey == "" && cfg.AdvisoryBaseURL == "" {
			return nil, fmt.Errorf("OpenAI API key is required")
		}
		return NewOpenAIClient(cfg.AdvisoryAPIKey, cfg.AdvisoryModel, cfg.AdvisoryBaseURL, timeout), nil

	default:
		return nil, fmt.Errorf("unknown advisory provider: %s", cfg.AdvisoryProvider)
	}
}
