package llm

import (
	"fmt"
	"os"

	"github.com/ziadkadry99/turnkeeper/internal/config"
)

// NewProvider creates the reasoning provider described by cfg, wrapped in a
// rate limiter when cfg.RPM is positive. ProviderNone returns (nil, nil):
// scoring and compression then run on their heuristics only.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	var p Provider
	switch cfg.Provider {
	case config.ProviderNone, "":
		return nil, nil

	case config.ProviderAnthropic:
		apiKey := os.Getenv(config.APIKeyEnvVar(config.ProviderAnthropic))
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		p = NewAnthropicProvider(apiKey, cfg.Model, cfg.BaseURL)

	case config.ProviderOpenAI:
		apiKey := os.Getenv(config.APIKeyEnvVar(config.ProviderOpenAI))
		if apiKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
		}
		p = NewOpenAIProvider(apiKey, cfg.Model, cfg.BaseURL)

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Provider)
	}

	if cfg.RPM > 0 {
		p = NewRateLimitedProvider(p, cfg.RPM)
	}
	return p, nil
}
