package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	defaultModel = "gpt-4o"
	apiURL       = "https://api.openai.com/v1/chat/completions"
)

// OpenAI is a Chat Completions client satisfying Client.
type OpenAI struct {
	apiKey string
	model  string
	url    string
	client *http.Client
}

// NewOpenAI creates an OpenAI client. An empty model defaults to gpt-4o.
func NewOpenAI(apiKey, model string) *OpenAI {
	if model == "" {
		model = defaultModel
	}
	return &OpenAI{
		apiKey: apiKey,
		model:  model,
		url:    apiURL,
		client: &http.Client{},
	}
}

func (c *OpenAI) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatChoice struct {
	Index   int         `json:"index"`
	Message chatMessage `json:"message"`
}

type chatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Error   *chatError   `json:"error,omitempty"`
}

func categorize(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit
	case status >= 500:
		return CategoryServer
	default:
		return CategoryNetwork
	}
}

// Complete sends the prompt as a single user message and returns the first
// choice's content.
func (c *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", &ServiceError{Category: CategoryNetwork, Message: err.Error()}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", &ServiceError{Category: CategoryNetwork, Message: err.Error()}
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", &ServiceError{Status: httpResp.StatusCode, Category: CategoryDecode, Message: err.Error()}
	}
	if cr.Error != nil {
		return "", &ServiceError{
			Status:   httpResp.StatusCode,
			Category: categorize(httpResp.StatusCode),
			Message:  fmt.Sprintf("%s: %s", cr.Error.Type, cr.Error.Message),
		}
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", &ServiceError{
			Status:   httpResp.StatusCode,
			Category: categorize(httpResp.StatusCode),
			Message:  string(respBody),
		}
	}
	if len(cr.Choices) == 0 {
		return "", &ServiceError{Status: httpResp.StatusCode, Category: CategoryDecode, Message: "response carried no choices"}
	}
	return cr.Choices[0].Message.Content, nil
}
