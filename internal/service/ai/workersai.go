package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
)

// WorkersAIInference calls the Cloudflare Workers AI REST endpoint
// POST {base}/accounts/{account}/ai/run/{model}.
type WorkersAIInference struct {
	baseURL     string
	accountID   string
	apiToken    string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// NewWorkersAIInference creates a Workers AI backed Inference. A nil client
// uses one without a timeout.
func NewWorkersAIInference(baseURL, accountID, apiToken, model string, maxTokens int, temperature float64, httpClient *http.Client) *WorkersAIInference {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &WorkersAIInference{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accountID:   accountID,
		apiToken:    apiToken,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		httpClient:  httpClient,
	}
}

type workersAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type workersAIRequest struct {
	Messages    []workersAIMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type workersAIResponse struct {
	Result struct {
		Response string `json:"response"`
	} `json:"result"`
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (p *WorkersAIInference) Run(ctx context.Context, prompt []chat.Message) (string, error) {
	payload := workersAIRequest{
		Messages:    make([]workersAIMessage, 0, len(prompt)),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
	for _, msg := range prompt {
		payload.Messages = append(payload.Messages, workersAIMessage{Role: string(msg.Role), Content: msg.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", p.baseURL, p.accountID, p.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("workers ai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var result workersAIResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || !result.Success {
		msg := http.StatusText(resp.StatusCode)
		if len(result.Errors) > 0 {
			msg = result.Errors[0].Message
		}
		return "", fmt.Errorf("workers ai error (status %d): %s", resp.StatusCode, msg)
	}

	return result.Result.Response, nil
}
