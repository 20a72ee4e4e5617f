package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"

	"IncidentEnricher/internal/classifier"
	"IncidentEnricher/internal/config"
	"IncidentEnricher/internal/ports"
)

// AnthropicGenerator implements ports.Generator on top of llmkit.
type AnthropicGenerator struct {
	apiKey string
	model  string
}

var _ ports.Generator = (*AnthropicGenerator)(nil)

// NewAnthropicGenerator builds a client from configuration.
func NewAnthropicGenerator(cfg config.LLMConfig) (*AnthropicGenerator, error) {
	key := cfg.AnthropicAPIKey
	if key == "" {
		key = cfg.APIKey
	}
	if key == "" {
		return nil, errors.New("anthropic generator misconfigured: api key is empty")
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-haiku-20240307"
	}
	return &AnthropicGenerator{apiKey: key, model: model}, nil
}

type anthropicResult struct {
	text string
	err  error
}

// Generate calls the messages API. llmkit takes no context, so the call runs
// in its own goroutine and is abandoned when ctx ends.
func (g *AnthropicGenerator) Generate(ctx context.Context, prompt ports.Prompt) (ports.Generation, error) {
	settings := types.RequestSettings{
		Model:       g.model,
		MaxTokens:   prompt.MaxTokens,
		Temperature: prompt.Temperature,
	}

	done := make(chan anthropicResult, 1)
	go func() {
		response, err := anthropic.PromptWithSettings(prompt.System, prompt.User, prompt.Schema, g.apiKey, settings)
		if err != nil {
			done <- anthropicResult{err: err}
			return
		}
		if len(response.Content) == 0 {
			done <- anthropicResult{err: fmt.Errorf("%w: no content in response", classifier.ErrMalformedOutput)}
			return
		}
		done <- anthropicResult{text: response.Content[0].Text}
	}()

	select {
	case <-ctx.Done():
		return ports.Generation{}, &classifier.ProviderError{Provider: config.ProviderAnthropic, Err: ctx.Err()}
	case res := <-done:
		if errors.Is(res.err, classifier.ErrMalformedOutput) {
			return ports.Generation{}, res.err
		}
		if res.err != nil {
			// llmkit does not expose status codes; every failure is retried.
			return ports.Generation{}, &classifier.ProviderError{Provider: config.ProviderAnthropic, Err: res.err}
		}
		return ports.Generation{
			Text:      res.text,
			Provider:  config.ProviderAnthropic,
			Model:     g.model,
			TokensIn:  estimateTokens(prompt.System) + estimateTokens(prompt.User),
			TokensOut: estimateTokens(res.text),
		}, nil
	}
}

// estimateTokens approximates 4 characters per token.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
