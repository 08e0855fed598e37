package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
)

// Client is the synchronous model interface skills call from the worker
// loop. The call appends the prompt and the reply to chatCtx on success.
type Client interface {
	Call(ctx context.Context, prompt string, chatCtx *Context) (string, error)
}

// API styles supported by the HTTP client.
const (
	APITypeOpenAI = "openai"
	APITypeOllama = "ollama"
)

// ClientConfig configures the HTTP-backed client.
type ClientConfig struct {
	APIType     string        `mapstructure:"api_type" yaml:"api_type"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Model       string        `mapstructure:"model" yaml:"model"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// HTTPClient calls an OpenAI- or Ollama-compatible chat endpoint.
type HTTPClient struct {
	cfg  ClientConfig
	http *http.Client
}

// NewHTTPClient builds a client for the configured endpoint.
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	if cfg.APIType != APITypeOpenAI && cfg.APIType != APITypeOllama {
		return nil, apperrors.Config("unsupported llm api_type: " + cfg.APIType)
	}
	if cfg.BaseURL == "" {
		return nil, apperrors.Config("llm base_url is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{cfg: cfg, http: &http.Client{Timeout: timeout}}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}

type ollamaResponse struct {
	Message ChatMessage `json:"message"`
}

// Call sends the prompt plus the context history and returns the reply
// text. The prompt and reply are recorded in chatCtx only on success.
func (c *HTTPClient) Call(ctx context.Context, prompt string, chatCtx *Context) (string, error) {
	chatCtx.Add(RoleUser, prompt)

	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    chatCtx.History(),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		chatCtx.RemoveLast()
		return "", apperrors.Transport("encode chat request", err)
	}

	url := c.cfg.BaseURL + "/chat/completions"
	if c.cfg.APIType == APITypeOllama {
		url = c.cfg.BaseURL + "/chat"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		chatCtx.RemoveLast()
		return "", apperrors.Transport("build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		chatCtx.RemoveLast()
		return "", apperrors.Transport("llm request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		chatCtx.RemoveLast()
		return "", apperrors.Transport("read llm response", err)
	}
	if resp.StatusCode != http.StatusOK {
		chatCtx.RemoveLast()
		return "", apperrors.Transport(fmt.Sprintf("llm endpoint returned %d", resp.StatusCode), nil)
	}

	reply, err := c.parseReply(raw)
	if err != nil {
		chatCtx.RemoveLast()
		return "", err
	}
	chatCtx.Add(RoleAssistant, reply)
	return reply, nil
}

func (c *HTTPClient) parseReply(raw []byte) (string, error) {
	if c.cfg.APIType == APITypeOllama {
		var out ollamaResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", apperrors.Transport("decode ollama response", err)
		}
		if out.Message.Content == "" {
			return "", apperrors.Transport("ollama response missing message content", nil)
		}
		return out.Message.Content, nil
	}
	var out openAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", apperrors.Transport("decode openai response", err)
	}
	if len(out.Choices) == 0 {
		return "", apperrors.Transport("openai response has no choices", nil)
	}
	return out.Choices[0].Message.Content, nil
}
