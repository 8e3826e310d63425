package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/model/chat"
)

// Client talks to the token-generating inference service. The response
// body is the framed event stream consumed by Decoder.
type Client struct {
	httpClient *http.Client
	cfg        config.LLMConfig
}

// NewClient creates an inference client from configuration.
func NewClient(cfg config.LLMConfig) *Client {
	return &Client{
		// No overall client timeout: the response body is a long-lived
		// stream. Turn-level deadlines come in through the context.
		httpClient: &http.Client{},
		cfg:        cfg,
	}
}

// wireMessage is the request-side message shape; persisted metadata
// never crosses this boundary.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
}

// Stream requests a streamed completion for the given history and
// returns the raw framed body. Transport failures and non-2xx statuses
// surface immediately and are never retried.
func (c *Client) Stream(ctx context.Context, history []chat.Message) (io.ReadCloser, error) {
	messages := make([]wireMessage, 0, len(history))
	for _, msg := range history {
		messages = append(messages, wireMessage{Role: msg.Role, Content: msg.Content})
	}

	payload, err := json.Marshal(generateRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference service returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return resp.Body, nil
}
