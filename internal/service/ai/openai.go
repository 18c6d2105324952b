package ai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
)

// OpenAIClient is the slice of the OpenAI SDK this package needs.
type OpenAIClient interface {
	CreateCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

type openAISDKClient struct {
	client *openai.Client
}

// NewOpenAIClient builds an SDK client; baseURL may be empty.
func NewOpenAIClient(apiKey, baseURL string) OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openAISDKClient{client: openai.NewClient(opts...)}
}

func (c *openAISDKClient) CreateCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

// OpenAIInference runs prompts against the chat completions API.
type OpenAIInference struct {
	client      OpenAIClient
	model       string
	maxTokens   int64
	temperature float64
}

// NewOpenAIInference creates an OpenAI-backed Inference.
func NewOpenAIInference(client OpenAIClient, model string, maxTokens int, temperature float64) *OpenAIInference {
	return &OpenAIInference{
		client:      client,
		model:       model,
		maxTokens:   int64(maxTokens),
		temperature: temperature,
	}
}

func (p *OpenAIInference) Run(ctx context.Context, prompt []chat.Message) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompt))
	for _, msg := range prompt {
		switch msg.Role {
		case chat.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case chat.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	completion, err := p.client.CreateCompletion(ctx, openai.ChatCompletionNewParams{
		Messages:    openai.F(messages),
		Model:       openai.F(p.model),
		MaxTokens:   openai.Int(p.maxTokens),
		Temperature: openai.Float(p.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("openai completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
