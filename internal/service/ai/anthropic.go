package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
)

// AnthropicClient is the slice of the Anthropic SDK this package needs.
type AnthropicClient interface {
	CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type anthropicSDKClient struct {
	messages *anthropic.MessageService
}

// NewAnthropicClient builds an SDK client for apiKey.
func NewAnthropicClient(apiKey string) AnthropicClient {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &anthropicSDKClient{messages: client.Messages}
}

func (c *anthropicSDKClient) CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.messages.New(ctx, params)
}

// AnthropicInference runs prompts against the Messages API. System entries
// are folded into the top-level system parameter.
type AnthropicInference struct {
	client      AnthropicClient
	model       anthropic.Model
	maxTokens   int64
	temperature float64
}

// NewAnthropicInference creates an Anthropic-backed Inference.
func NewAnthropicInference(client AnthropicClient, model string, maxTokens int, temperature float64) *AnthropicInference {
	return &AnthropicInference{
		client:      client,
		model:       anthropic.Model(model),
		maxTokens:   int64(maxTokens),
		temperature: temperature,
	}
}

func (p *AnthropicInference) Run(ctx context.Context, prompt []chat.Message) (string, error) {
	var system []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(prompt))
	for _, msg := range prompt {
		switch msg.Role {
		case chat.RoleSystem:
			system = append(system, anthropic.NewTextBlock(msg.Content))
		case chat.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.F(p.model),
		Messages:    anthropic.F(messages),
		MaxTokens:   anthropic.F(p.maxTokens),
		Temperature: anthropic.Float(p.temperature),
	}
	if len(system) > 0 {
		params.System = anthropic.F(system)
	}

	message, err := p.client.CreateMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic message: %w", err)
	}

	var builder strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsUnion().(anthropic.TextBlock); ok {
			builder.WriteString(text.Text)
		}
	}
	return builder.String(), nil
}
