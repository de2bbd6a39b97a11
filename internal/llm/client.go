// Package llm holds the analysis collaborators of the pipeline: an
// OpenAI-compatible chat client and the Analyze/SelectTop implementations
// built on it. Retries and backoff for transient HTTP failures live here,
// not in the pipeline.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"sifter/internal/config"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

type ChatRequest struct {
	Model               string          `json:"model"`
	Messages            []Message       `json:"messages"`
	ReasoningEffort     string          `json:"reasoning_effort,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	ResponseFormat      *ResponseFormat `json:"response_format,omitempty"`
}

// Completer returns the assistant text for a chat request.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *retryablehttp.Client
}

// NewClient builds a client from config. Retries follow the retryablehttp
// default policy: connection errors, 429 and 5xx.
func NewClient(cfg config.LLM, apiKey string, logger *zap.Logger) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = cfg.MaxRetries
	httpClient.HTTPClient.Timeout = cfg.Timeout
	if logger != nil {
		httpClient.Logger = leveledLogger{logger.Sugar().Named("llm")}
	} else {
		httpClient.Logger = nil
	}
	return &Client{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:  apiKey,
		HTTP:    httpClient,
	}
}

func (c *Client) Complete(ctx context.Context, chat ChatRequest) (string, error) {
	body, err := json.Marshal(chat)
	if err != nil {
		return "", err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &APIError{StatusCode: res.StatusCode, Body: string(data)}
	}
	content := gjson.GetBytes(data, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("llm response has no message content")
	}
	return content.String(), nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
