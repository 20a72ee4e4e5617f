// Package llm provides the ports.Generator backends.
package llm

import (
	"fmt"

	"IncidentEnricher/internal/config"
	"IncidentEnricher/internal/ports"
)

// NewGenerator selects a backend by provider name.
func NewGenerator(cfg config.LLMConfig) (ports.Generator, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, config.ProviderAzure, "":
		return NewOpenAIGenerator(cfg)
	case config.ProviderAnthropic:
		return NewAnthropicGenerator(cfg)
	default:
		return nil, fmt.Errorf("llm provider %q is not supported", cfg.Provider)
	}
}
