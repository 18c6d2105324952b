package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/observability"
)

// Inference maps an ordered prompt to a single reply.
type Inference interface {
	Run(ctx context.Context, prompt []chat.Message) (string, error)
}

// Service runs prompts through an eino chain ending in a ChatModel.
type Service struct {
	chain compose.Runnable[[]*schema.Message, *schema.Message]
	log   observability.Logger
}

// NewService compiles the chat chain around chatModel.
func NewService(ctx context.Context, chatModel model.ChatModel, logger observability.Logger) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}

	chain := compose.NewChain[[]*schema.Message, *schema.Message]()
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chain: runnable,
		log:   observability.Component(logger, "ai"),
	}, nil
}

// Run invokes the chain with the prompt converted to eino messages.
func (s *Service) Run(ctx context.Context, prompt []chat.Message) (string, error) {
	response, err := s.chain.Invoke(ctx, toSchemaMessages(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil {
		return "", fmt.Errorf("AI chain returned no message")
	}

	s.log.Debugf("generated response with %d prompt messages, length=%d", len(prompt), len(response.Content))
	return response.Content, nil
}

func toSchemaMessages(prompt []chat.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(prompt))
	for _, msg := range prompt {
		switch msg.Role {
		case chat.RoleSystem:
			messages = append(messages, schema.SystemMessage(msg.Content))
		case chat.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(msg.Content, nil))
		default:
			messages = append(messages, schema.UserMessage(msg.Content))
		}
	}
	return messages
}
