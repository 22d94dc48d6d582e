// Package llm provides a client for an Ollama-compatible chat endpoint.
// The client is stateless: every call carries its own system and user
// messages and no conversation history.
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

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ollamaDefaultBaseURL = "http://ollama:11434"
	ollamaChatPath       = "/api/chat"

	// maxErrorBody bounds how much of a failed response ends up in the log.
	maxErrorBody = 2048
)

// Config holds gateway settings.
type Config struct {
	BaseURL      string
	Model        string
	Temperature  float64
	Timeout      time.Duration
	RateLimit    int // requests per minute, 0 = unlimited
	SystemPrompt string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:     ollamaDefaultBaseURL,
		Model:       "llama3.1",
		Temperature: 0.2,
		Timeout:     120 * time.Second,
	}
}

// Client sends one prompt per request to the chat endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// New creates a gateway client. A nil logger disables logging.
func New(config Config, logger *zap.Logger) (*Client, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("model identifier is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = ollamaDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.Named("llm"),
	}
	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RateLimit)), 1)
	}
	return c, nil
}

// Model returns the model identifier sent with every request.
func (c *Client) Model() string {
	return c.config.Model
}

// Infer sends prompt and returns the trimmed message content. It returns ""
// when the endpoint is unreachable, times out, answers with a non-2xx status,
// or returns an empty message; the cause is logged here so callers only have
// one failure shape to handle.
func (c *Client) Infer(ctx context.Context, prompt string) string {
	content, err := c.Chat(ctx, prompt)
	if err != nil {
		c.logger.Error("Model call failed", zap.String("model", c.config.Model), zap.Error(err))
		return ""
	}
	if content == "" {
		c.logger.Warn("Model returned empty content", zap.String("model", c.config.Model))
	}
	return content
}

// Chat performs one request and returns the message content, or an error.
func (c *Client) Chat(ctx context.Context, prompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	payload := ChatRequest{
		Model:   c.config.Model,
		Stream:  false,
		Options: ChatOptions{Temperature: c.config.Temperature},
		Messages: []ChatMessage{
			{Role: "system", Content: c.config.SystemPrompt},
			{Role: "user", Content: prompt},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, ollamaChatPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if chatResp.Error != "" {
		return "", fmt.Errorf("ollama error: %s", chatResp.Error)
	}

	return strings.TrimSpace(chatResp.Message.Content), nil
}

// newRequest creates a JSON request against the gateway.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	fullURL := strings.TrimSuffix(c.config.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "widsctx/1.0")

	return req, nil
}

// Ollama API types

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Options  ChatOptions   `json:"options"`
	Messages []ChatMessage `json:"messages"`
}

// ChatOptions carries sampling parameters.
type ChatOptions struct {
	Temperature float64 `json:"temperature"`
}

// ChatMessage is one turn of the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the non-streaming reply.
type ChatResponse struct {
	Model   string      `json:"model"`
	Message ChatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}
