package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"IncidentEnricher/internal/classifier"
	"IncidentEnricher/internal/config"
	"IncidentEnricher/internal/ports"
)

// OpenAIGenerator implements ports.Generator backed by OpenAI-compatible APIs,
// including Azure OpenAI deployments.
type OpenAIGenerator struct {
	client   *openai.Client
	provider string
	model    string
}

var _ ports.Generator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator builds a client from configuration. For Azure the model
// is the deployment name and BaseURL the resource endpoint.
func NewOpenAIGenerator(cfg config.LLMConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s generator misconfigured: api key is empty", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s generator misconfigured: model is empty", cfg.Provider)
	}

	var clientCfg openai.ClientConfig
	switch cfg.Provider {
	case config.ProviderAzure:
		if cfg.BaseURL == "" {
			return nil, errors.New("azure generator misconfigured: baseUrl is empty")
		}
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.APIVersion != "" {
			clientCfg.APIVersion = cfg.APIVersion
		}
		clientCfg.AzureModelMapperFunc = func(model string) string { return model }
	default:
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
	}

	provider := cfg.Provider
	if provider == "" {
		provider = config.ProviderOpenAI
	}

	return &OpenAIGenerator{
		client:   openai.NewClientWithConfig(clientCfg),
		provider: provider,
		model:    cfg.Model,
	}, nil
}

// Generate sends the prompt as a JSON-mode chat completion.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt ports.Prompt) (ports.Generation, error) {
	req := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User},
		},
		MaxTokens:   prompt.MaxTokens,
		Temperature: wireTemperature(prompt.Temperature),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return ports.Generation{}, g.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return ports.Generation{}, fmt.Errorf("%s: %w: no choices in response", g.provider, classifier.ErrMalformedOutput)
	}

	model := resp.Model
	if model == "" {
		model = g.model
	}

	return ports.Generation{
		Text:      resp.Choices[0].Message.Content,
		Provider:  g.provider,
		Model:     model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}

func (g *OpenAIGenerator) wrap(err error) error {
	perr := &classifier.ProviderError{Provider: g.provider, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		perr.StatusCode = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		perr.StatusCode = reqErr.HTTPStatusCode
	}
	return perr
}

// wireTemperature keeps an explicit zero on the wire; go-openai drops a zero
// temperature and the API then samples at its default of 1.
func wireTemperature(t float64) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}
