package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zhouzirui/chat-relay/backend/internal/apperr"
	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/observability"
	"github.com/zhouzirui/chat-relay/backend/internal/service/ai"
	"github.com/zhouzirui/chat-relay/backend/internal/workflow"
)

// WorkflowName is the name the chat pipeline is registered under.
const WorkflowName = "chat"

// Step names, shared by the direct and the durable path.
const (
	StepFetchHistory   = "fetch history"
	StepPrepareContext = "prepare context"
	StepGenerate       = "generate AI response"
	StepStoreUser      = "store user message"
	StepStoreAssistant = "store AI response"
)

// TranscriptStore is the transcript persistence the pipeline relies on.
type TranscriptStore interface {
	Append(ctx context.Context, sessionID string, message chat.Message) error
	ReadAll(ctx context.Context, sessionID string) ([]chat.Message, error)
	Clear(ctx context.Context, sessionID string) error
}

// Options tunes the pipeline.
type Options struct {
	SystemPrompt string
	// PersistUserFirst stores the user turn before inference instead of after.
	PersistUserFirst bool
}

// Service relays chat turns between sessions and the inference collaborator.
type Service struct {
	transcripts TranscriptStore
	inference   ai.Inference
	engine      *workflow.Engine
	opts        Options
	log         observability.Logger
}

// NewService wires the pipeline. engine may be nil when the durable variant
// is not offered.
func NewService(transcripts TranscriptStore, inference ai.Inference, engine *workflow.Engine, opts Options, logger observability.Logger) *Service {
	s := &Service{
		transcripts: transcripts,
		inference:   inference,
		engine:      engine,
		opts:        opts,
		log:         observability.Component(logger, "chat"),
	}
	if engine != nil {
		engine.Register(WorkflowName, s.runWorkflow)
	}
	return s
}

// Send handles one turn synchronously.
func (s *Service) Send(ctx context.Context, req chat.Request) (chat.Reply, error) {
	return s.Process(ctx, workflow.Inline{}, req)
}

// Process runs the chat pipeline with every side effect routed through step.
func (s *Service) Process(ctx context.Context, step workflow.StepRunner, req chat.Request) (chat.Reply, error) {
	if err := validate(req); err != nil {
		return chat.Reply{}, err
	}
	if s.inference == nil {
		return chat.Reply{}, fmt.Errorf("inference unavailable: %w", apperr.ErrUpstream)
	}

	history, err := workflow.Do(ctx, step, StepFetchHistory, func(ctx context.Context) ([]chat.Message, error) {
		return s.transcripts.ReadAll(ctx, req.SessionID)
	})
	if err != nil {
		return chat.Reply{}, err
	}

	prompt, err := workflow.Do(ctx, step, StepPrepareContext, func(context.Context) ([]chat.Message, error) {
		return BuildPrompt(s.systemPrompt(), history, req.Message), nil
	})
	if err != nil {
		return chat.Reply{}, err
	}

	if s.opts.PersistUserFirst {
		if err := s.storeUser(ctx, step, req); err != nil {
			return chat.Reply{}, err
		}
	}

	reply, err := workflow.Do(ctx, step, StepGenerate, func(ctx context.Context) (string, error) {
		return s.inference.Run(ctx, prompt)
	})
	if err != nil {
		if !s.opts.PersistUserFirst {
			s.log.Warnf("inference failed for session=%s; user message was not stored", req.SessionID)
		}
		return chat.Reply{}, fmt.Errorf("generate response: %w: %w", err, apperr.ErrUpstream)
	}

	if !s.opts.PersistUserFirst {
		if err := s.storeUser(ctx, step, req); err != nil {
			return chat.Reply{}, err
		}
	}

	if _, err := workflow.Do(ctx, step, StepStoreAssistant, func(ctx context.Context) (bool, error) {
		return true, s.transcripts.Append(ctx, req.SessionID, chat.NewMessage(chat.RoleAssistant, reply))
	}); err != nil {
		return chat.Reply{}, err
	}

	s.log.Infof("replied to session=%s (history=%d, length=%d)", req.SessionID, len(history), len(reply))
	return chat.Reply{
		Response:  reply,
		SessionID: req.SessionID,
		Timestamp: chat.NowMillis(),
	}, nil
}

func (s *Service) storeUser(ctx context.Context, step workflow.StepRunner, req chat.Request) error {
	_, err := workflow.Do(ctx, step, StepStoreUser, func(ctx context.Context) (bool, error) {
		return true, s.transcripts.Append(ctx, req.SessionID, chat.NewMessage(chat.RoleUser, req.Message))
	})
	return err
}

// Submit starts the pipeline as a durable workflow instance and returns its id.
func (s *Service) Submit(ctx context.Context, req chat.Request) (workflow.Instance, error) {
	if err := validate(req); err != nil {
		return workflow.Instance{}, err
	}
	if s.engine == nil {
		return workflow.Instance{}, fmt.Errorf("workflow engine unavailable: %w", apperr.ErrInternal)
	}
	if req.UserID == "" {
		req.UserID = "anonymous"
	}
	return s.engine.Create(ctx, WorkflowName, req)
}

// WorkflowStatus returns the record of a submitted instance.
func (s *Service) WorkflowStatus(ctx context.Context, id string) (workflow.Instance, error) {
	if s.engine == nil {
		return workflow.Instance{}, fmt.Errorf("workflow engine unavailable: %w", apperr.ErrInternal)
	}
	return s.engine.Status(ctx, id)
}

// WorkflowResult is the output recorded for a completed chat instance.
type WorkflowResult struct {
	Success bool `json:"success"`
	chat.Reply
}

func (s *Service) runWorkflow(ctx context.Context, step workflow.StepRunner, params json.RawMessage) (any, error) {
	var req chat.Request
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("decode chat params: %w", err)
	}

	reply, err := s.Process(ctx, step, req)
	if err != nil {
		return nil, err
	}
	return WorkflowResult{Success: true, Reply: reply}, nil
}

// History returns the full transcript of a session.
func (s *Service) History(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionId is required: %w", apperr.ErrBadRequest)
	}
	return s.transcripts.ReadAll(ctx, sessionID)
}

// ClearHistory deletes every message of a session.
func (s *Service) ClearHistory(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionId is required: %w", apperr.ErrBadRequest)
	}
	return s.transcripts.Clear(ctx, sessionID)
}

func (s *Service) systemPrompt() string {
	if s.opts.SystemPrompt != "" {
		return s.opts.SystemPrompt
	}
	return "You are a helpful AI assistant."
}

func validate(req chat.Request) error {
	if req.Message == "" || req.SessionID == "" {
		return fmt.Errorf("missing message or sessionId: %w", apperr.ErrBadRequest)
	}
	return nil
}

// BuildPrompt lays out system directive, history and the new user turn in
// order. Roles and content are copied verbatim; nothing is truncated.
func BuildPrompt(system string, history []chat.Message, userMessage string) []chat.Message {
	prompt := make([]chat.Message, 0, len(history)+2)
	prompt = append(prompt, chat.Message{Role: chat.RoleSystem, Content: system})
	for _, msg := range history {
		prompt = append(prompt, chat.Message{Role: msg.Role, Content: msg.Content})
	}
	prompt = append(prompt, chat.Message{Role: chat.RoleUser, Content: userMessage})
	return prompt
}
