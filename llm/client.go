// Package llm is the shared broker for all model calls: mapping
// synthesis, subscription pattern synthesis, and gate evaluation. It
// enforces the daily budget and smooths request bursts.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/convolabai/langhook/config"
	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/metric"
)

// ChatCompleter is the slice of the OpenAI client the broker uses.
// Tests substitute a canned implementation.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Broker serializes model access behind budget and rate controls.
type Broker struct {
	client      ChatCompleter
	model       string
	temperature float32
	maxTokens   int

	limiter *rate.Limiter
	budget  *Budget
	metrics *metric.Metrics
	logger  *slog.Logger
}

// NewBroker creates a Broker from the LLM configuration. Provider
// "openai" uses the default endpoint; "azure" and "local" require a
// base URL.
func NewBroker(cfg config.LLMConfig, budget *Budget, metrics *metric.Metrics, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		if cfg.Provider != "local" {
			return nil, errors.WrapInvalid(fmt.Errorf("provider %q requires an API key", cfg.Provider),
				"Broker", "NewBroker", "validate config")
		}
		apiKey = "unused"
	}

	clientCfg := openai.DefaultConfig(apiKey)
	switch cfg.Provider {
	case "openai":
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
	case "azure":
		if cfg.BaseURL == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("provider azure requires a base URL"),
				"Broker", "NewBroker", "validate config")
		}
		clientCfg = openai.DefaultAzureConfig(apiKey, cfg.BaseURL)
	case "local":
		if cfg.BaseURL == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("provider local requires a base URL"),
				"Broker", "NewBroker", "validate config")
		}
		clientCfg.BaseURL = cfg.BaseURL
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown LLM provider %q", cfg.Provider),
			"Broker", "NewBroker", "validate config")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}

	return &Broker{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		// Bursts of webhook traffic should not turn into bursts of
		// model calls.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		budget:  budget,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// NewBrokerWithClient creates a Broker over an explicit completer.
// Used by tests.
func NewBrokerWithClient(client ChatCompleter, model string, budget *Budget, metrics *metric.Metrics, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		client:  client,
		model:   model,
		limiter: rate.NewLimiter(rate.Inf, 0),
		budget:  budget,
		metrics: metrics,
		logger:  logger,
	}
}

// Complete runs one chat completion. kind labels the call for metrics
// ("map-synthesis", "pattern-synthesis", "gate"). The daily budget is
// checked before the call and charged after it.
func (b *Broker) Complete(ctx context.Context, kind, systemPrompt, userPrompt string) (string, error) {
	if b.budget != nil {
		if err := b.budget.Check(); err != nil {
			b.recordInvocation(kind, "budget-exhausted")
			return "", err
		}
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return "", errors.WrapKind(err, errors.KindLLMUnavailable, errors.ErrorTransient,
			"Broker", "Complete")
	}

	req := openai.ChatCompletionRequest{
		Model:       b.model,
		Temperature: b.temperature,
		MaxTokens:   b.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		b.recordInvocation(kind, "error")
		return "", errors.WrapKind(err, errors.KindLLMUnavailable, errors.ErrorTransient,
			"Broker", "Complete")
	}
	if len(resp.Choices) == 0 {
		b.recordInvocation(kind, "error")
		return "", errors.WrapKind(fmt.Errorf("model returned no choices"),
			errors.KindLLMUnavailable, errors.ErrorTransient, "Broker", "Complete")
	}

	if b.budget != nil {
		cost := estimateCost(b.model, resp.Usage)
		b.budget.Record(cost)
		b.logger.Debug("model call charged",
			"kind", kind, "model", b.model,
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens,
			"cost_usd", cost)
	}

	b.recordInvocation(kind, "ok")
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (b *Broker) recordInvocation(kind, status string) {
	if b.metrics != nil {
		b.metrics.LLMInvocations.WithLabelValues(kind, status).Inc()
	}
}

// modelPricing holds USD per 1M tokens (prompt, completion). Unknown
// models fall back to the most expensive known entry so the budget
// errs toward shutting spend off early.
var modelPricing = map[string][2]float64{
	"gpt-4o-mini":   {0.15, 0.60},
	"gpt-4o":        {2.50, 10.00},
	"gpt-4-turbo":   {10.00, 30.00},
	"gpt-3.5-turbo": {0.50, 1.50},
}

func estimateCost(model string, usage openai.Usage) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		pricing = modelPricing["gpt-4-turbo"]
	}
	prompt := float64(usage.PromptTokens) * pricing[0] / 1e6
	completion := float64(usage.CompletionTokens) * pricing[1] / 1e6
	return prompt + completion
}

// StripCodeFence removes a surrounding markdown code fence from a
// model response, tolerating a language tag on the opening fence.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line.
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
