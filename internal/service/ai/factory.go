package ai

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zhouzirui/chat-relay/backend/internal/config"
	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/observability"
)

// New builds the Inference selected by cfg.Provider.
func New(ctx context.Context, cfg config.AIConfig, logger observability.Logger) (Inference, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("credentials missing for AI provider %q", cfg.Provider)
	}

	var (
		inference Inference
		err       error
	)
	switch cfg.Provider {
	case config.ProviderArk:
		chatModel, mErr := cfg.NewChatModel(ctx)
		if mErr != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", mErr)
		}
		inference, err = NewService(ctx, chatModel, logger)
	case config.ProviderOpenAI:
		inference = NewOpenAIInference(NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), cfg.ModelName(), cfg.MaxTokens, cfg.Temperature)
	case config.ProviderAnthropic:
		inference = NewAnthropicInference(NewAnthropicClient(cfg.AnthropicAPIKey), cfg.ModelName(), cfg.MaxTokens, cfg.Temperature)
	case config.ProviderWorkersAI:
		inference = NewWorkersAIInference(cfg.CFBaseURL, cfg.CFAccountID, cfg.CFAPIToken, cfg.ModelName(), cfg.MaxTokens, cfg.Temperature, nil)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return Traced(WithTimeout(inference, cfg.Timeout), cfg.Provider), nil
}

// WithTimeout bounds every call to d. Zero leaves calls unbounded.
func WithTimeout(next Inference, d time.Duration) Inference {
	if d <= 0 {
		return next
	}
	return timeoutInference{next: next, d: d}
}

type timeoutInference struct {
	next Inference
	d    time.Duration
}

func (t timeoutInference) Run(ctx context.Context, prompt []chat.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Run(ctx, prompt)
}

// Traced wraps next with an OpenTelemetry span per call.
func Traced(next Inference, provider string) Inference {
	return tracedInference{next: next, provider: provider}
}

type tracedInference struct {
	next     Inference
	provider string
}

func (t tracedInference) Run(ctx context.Context, prompt []chat.Message) (string, error) {
	ctx, span := observability.StartSpan(ctx, "ai.inference",
		attribute.String("ai.provider", t.provider),
		attribute.Int("ai.prompt_messages", len(prompt)))
	reply, err := t.next.Run(ctx, prompt)
	observability.EndSpan(span, err)
	return reply, err
}
