// Package llm provides the chat-completion client Hoshiko uses for both
// conversational replies and background enrichment calls.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hoshikobot/hoshiko/internal/hoshiko/memory"
)

const (
	defaultBaseURL = "http://localhost:5001/v1"
	defaultTimeout = 60 * time.Second
)

// Config configures the chat-completion client.
type Config struct {
	// APIKey is the bearer token. May be empty for local backends.
	APIKey string

	// BaseURL is the API root. Defaults to a local KoboldCpp-style endpoint.
	BaseURL string

	// Model names the chat model. Backends serving a single model ignore it.
	Model string

	// Timeout is the HTTP request timeout. Defaults to 60 s.
	Timeout time.Duration
}

// Params are per-request sampling parameters. Zero values fall back to the
// sampling profile tuned for casual persona chat.
type Params struct {
	Temperature       float64
	RepetitionPenalty float64
	MaxTokens         int
}

// DefaultParams returns the conversational sampling profile.
func DefaultParams() Params {
	return Params{
		Temperature:       0.8,
		RepetitionPenalty: 1.15,
		MaxTokens:         512,
	}
}

// Client talks to an OpenAI-compatible chat completions API. Safe for
// concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a Client. Zero-valued config fields take documented defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model             string        `json:"model,omitempty"`
	Messages          []chatMessage `json:"messages"`
	Temperature       float64       `json:"temperature"`
	TopP              float64       `json:"top_p"`
	TopK              int           `json:"top_k"`
	FrequencyPenalty  float64       `json:"frequency_penalty"`
	PresencePenalty   float64       `json:"presence_penalty"`
	RepetitionPenalty float64       `json:"repetition_penalty"`
	MaxTokens         int           `json:"max_tokens"`
	Stop              []string      `json:"stop"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

// ChatWithParams sends the messages and returns the first choice's content,
// trimmed. Stop sequences cut the model off before it starts writing the
// other side of the conversation.
func (c *Client) ChatWithParams(ctx context.Context, messages []memory.Message, p Params) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("llm: no messages")
	}
	def := DefaultParams()
	if p.Temperature == 0 {
		p.Temperature = def.Temperature
	}
	if p.RepetitionPenalty == 0 {
		p.RepetitionPenalty = def.RepetitionPenalty
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = def.MaxTokens
	}

	msgs := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		content := m.Text
		if m.Role == memory.RoleUser && m.Name != "" {
			content = m.Name + ": " + content
		}
		msgs = append(msgs, chatMessage{Role: m.Role, Content: content})
	}

	body := chatRequest{
		Model:             c.cfg.Model,
		Messages:          msgs,
		Temperature:       p.Temperature,
		TopP:              0.9,
		TopK:              50,
		FrequencyPenalty:  1.0,
		PresencePenalty:   0.6,
		RepetitionPenalty: p.RepetitionPenalty,
		MaxTokens:         p.MaxTokens,
		Stop:              []string{"\nUser:", "\nSystem:", "\nAssistant:", "\n\n\n"},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return "", fmt.Errorf("llm: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response body: %w", err)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}

	if chatResp.Error != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("llm: rate limit (HTTP 429): %s", chatResp.Error.Message)
		}
		return "", fmt.Errorf("llm: API error (%s): %s", chatResp.Error.Type, chatResp.Error.Message)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("llm: unexpected HTTP status %d", resp.StatusCode)
	}

	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("llm: no choices returned")
	}

	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

// Complete sends the messages with the default sampling profile. It is the
// single call surface the enrichment pipelines depend on.
func (c *Client) Complete(ctx context.Context, messages []memory.Message) (string, error) {
	return c.ChatWithParams(ctx, messages, DefaultParams())
}

// Compile-time interface satisfaction check.
var _ memory.Completer = (*Client)(nil)
