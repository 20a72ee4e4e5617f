// Package classifier turns article text into a RawClassification through a
// pluggable LLM backend, with retries, schema repair and usage accounting.
package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"text/template"
	"time"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/ports"
	"IncidentEnricher/internal/prefilter"
	"IncidentEnricher/internal/textnorm"
)

// Pricing is the per-million-token price of a provider.
type Pricing struct {
	InputPerMillion  float64 `yaml:"inputPerMillion"`
	OutputPerMillion float64 `yaml:"outputPerMillion"`
}

// Cost prices a token pair in USD.
func (p Pricing) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)*p.InputPerMillion/1e6 + float64(tokensOut)*p.OutputPerMillion/1e6
}

// DefaultPricing covers the default models of each backend.
func DefaultPricing() map[string]Pricing {
	return map[string]Pricing{
		"openai":    {InputPerMillion: 0.15, OutputPerMillion: 0.60},
		"azure":     {InputPerMillion: 0.15, OutputPerMillion: 0.60},
		"anthropic": {InputPerMillion: 0.25, OutputPerMillion: 1.25},
	}
}

// Options tunes a Client. Zero values fall back to defaults.
type Options struct {
	SystemPrompt string
	UserTemplate string
	MaxBodyRunes int
	MaxTokens    int
	Temperature  float64
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	CallTimeout  time.Duration
	Pricing      map[string]Pricing
}

func (o Options) withDefaults() Options {
	if o.MaxBodyRunes <= 0 {
		o.MaxBodyRunes = 4000
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 8 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 60 * time.Second
	}
	if o.Pricing == nil {
		o.Pricing = DefaultPricing()
	}
	return o
}

// Stats is a snapshot of the client counters.
type Stats struct {
	Requests  int64
	Errors    int64
	Repairs   int64
	Failed    int64
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
}

// Client classifies articles. Safe for concurrent use.
type Client struct {
	gen    ports.Generator
	opts   Options
	system string
	user   *template.Template
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error

	requests  atomic.Int64
	errCount  atomic.Int64
	repairs   atomic.Int64
	failed    atomic.Int64
	tokensIn  atomic.Int64
	tokensOut atomic.Int64
	costNanos atomic.Int64
}

// New builds a client around gen.
func New(gen ports.Generator, opts Options, logger *slog.Logger) (*Client, error) {
	if gen == nil {
		return nil, errors.New("classifier: generator is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	system, err := renderSystem(opts.SystemPrompt)
	if err != nil {
		return nil, err
	}
	user, err := parseUser(opts.UserTemplate)
	if err != nil {
		return nil, err
	}

	return &Client{
		gen:    gen,
		opts:   opts,
		system: system,
		user:   user,
		logger: logger.With("component", "classifier"),
		sleep:  sleepCtx,
	}, nil
}

// Classify extracts structured attributes from one article. Provider and
// parse failures never surface as errors: once retries are exhausted the
// result has Failed set. The only error returned is ctx's.
func (c *Client) Classify(ctx context.Context, title, body, source string) (domain.RawClassification, error) {
	userPrompt, err := c.renderUser(title, body, source)
	if err != nil {
		return domain.RawClassification{}, err
	}

	base := ports.Prompt{
		System:      c.system,
		User:        userPrompt,
		Schema:      OutputSchema,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	}

	var (
		usage     domain.Usage
		prompt    = base
		repaired  bool
		transient int
		lastErr   error
	)

	for {
		if err := ctx.Err(); err != nil {
			return domain.RawClassification{}, err
		}

		gen, err := c.call(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return domain.RawClassification{}, ctx.Err()
			}
			c.errCount.Add(1)
			lastErr = err
			if !IsTransient(err) {
				break
			}
			transient++
			if transient >= c.opts.MaxAttempts {
				break
			}
			delay := c.backoff(transient)
			c.logger.Warn("classification attempt failed", "attempt", transient, "retry_in", delay, "error", err)
			if err := c.sleep(ctx, delay); err != nil {
				return domain.RawClassification{}, err
			}
			continue
		}

		c.account(&usage, gen)

		raw, err := ParseOutput(gen.Text)
		if err == nil {
			raw.Usage = usage
			return raw, nil
		}
		lastErr = err
		if repaired {
			break
		}
		repaired = true
		c.repairs.Add(1)
		c.logger.Warn("malformed classifier output, sending repair prompt", "error", err)
		prompt = base
		prompt.User = base.User + "\n\n" + repairPrompt(gen.Text)
	}

	c.failed.Add(1)
	reason := "classification failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	c.logger.Error("classification exhausted retries", "title", textnorm.Truncate(title, 120), "error", reason)
	return domain.FailedClassification(reason, usage), nil
}

func (c *Client) renderUser(title, body, source string) (string, error) {
	text := textnorm.Truncate(prefilter.PlainText(body), c.opts.MaxBodyRunes)
	var buf bytes.Buffer
	if err := c.user.Execute(&buf, articleData{Title: title, Body: text, Source: source}); err != nil {
		return "", fmt.Errorf("render user prompt: %w", err)
	}
	return buf.String(), nil
}

func (c *Client) call(ctx context.Context, prompt ports.Prompt) (ports.Generation, error) {
	c.requests.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	gen, err := c.gen.Generate(callCtx, prompt)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return ports.Generation{}, fmt.Errorf("%w: call timed out after %s", ErrTransient, c.opts.CallTimeout)
		}
		return ports.Generation{}, err
	}
	return gen, nil
}

func (c *Client) account(usage *domain.Usage, gen ports.Generation) {
	cost := c.opts.Pricing[gen.Provider].Cost(gen.TokensIn, gen.TokensOut)

	usage.Provider = gen.Provider
	usage.Model = gen.Model
	usage.TokensIn += gen.TokensIn
	usage.TokensOut += gen.TokensOut
	usage.CostUSD += cost

	c.tokensIn.Add(int64(gen.TokensIn))
	c.tokensOut.Add(int64(gen.TokensOut))
	c.costNanos.Add(int64(cost * 1e9))
}

// backoff doubles BaseDelay per attempt, capped at MaxDelay, with jitter in
// [d/2, d).
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.BaseDelay << (attempt - 1)
	if d <= 0 || d > c.opts.MaxDelay {
		d = c.opts.MaxDelay
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

// Stats snapshots the counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:  c.requests.Load(),
		Errors:    c.errCount.Load(),
		Repairs:   c.repairs.Load(),
		Failed:    c.failed.Load(),
		TokensIn:  c.tokensIn.Load(),
		TokensOut: c.tokensOut.Load(),
		CostUSD:   float64(c.costNanos.Load()) / 1e9,
	}
}

// LogValue reports the counters as a log group.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("requests", s.Requests),
		slog.Int64("errors", s.Errors),
		slog.Int64("repairs", s.Repairs),
		slog.Int64("failed", s.Failed),
		slog.Int64("tokens_in", s.TokensIn),
		slog.Int64("tokens_out", s.TokensOut),
		slog.Float64("cost_usd", s.CostUSD),
	)
}

// LogValue snapshots the lifetime counters.
func (c *Client) LogValue() slog.Value {
	return c.Stats().LogValue()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
