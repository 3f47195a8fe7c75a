// Package openai is a small client for the speech and chat completion
// endpoints used by the synthesizer and text preparation.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultHTTPTimeout    = 60 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
	maxErrorBody          = 2048
)

// ErrMissingAPIKey is returned before any request when no key is configured.
var ErrMissingAPIKey = errors.New("openai: api key required")

// Config captures what is needed to reach the API.
type Config struct {
	APIKey         string
	BaseURL        string
	TimeoutSeconds int
}

// Client talks to the OpenAI REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetry overrides the attempt count and backoff delays.
func WithRetry(attempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryAttempts = attempts
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// NewClient constructs a client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimSpace(cfg.BaseURL),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient:     &http.Client{Timeout: timeout},
		retryAttempts:  defaultRetryAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		retryMaxDelay:  defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.BaseURL == "" {
		c.cfg.BaseURL = defaultBaseURL
	}
	return c
}

// HasAPIKey reports whether requests can be attempted at all.
func (c *Client) HasAPIKey() bool { return c.cfg.APIKey != "" }

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openai: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Temporary reports whether the request may succeed when repeated.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// SpeechRequest is the body of POST /audio/speech.
type SpeechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// Speech returns the encoded audio for one chunk of text.
func (c *Client) Speech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if req.ResponseFormat == "" {
		req.ResponseFormat = "mp3"
	}
	audio, err := c.post(ctx, "audio/speech", req)
	if err != nil {
		return nil, fmt.Errorf("speech: %w", err)
	}
	return audio, nil
}

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /chat/completions.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Chat returns the content of the first non-empty choice.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	body, err := c.post(ctx, "chat/completions", req)
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("chat: decode response: %w", err)
	}
	for _, choice := range parsed.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
	}
	return "", errors.New("chat: empty completion")
}

// Ping makes one authenticated GET /models request. It is not retried, so
// a rejected key and an unreachable endpoint show up as they are.
func (c *Client) Ping(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return ErrMissingAPIKey
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "models")
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	if _, err := c.send(ctx, http.MethodGet, endpoint, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	op := func() ([]byte, error) {
		body, err := c.send(ctx, http.MethodPost, endpoint, encoded)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return backoff.RetryWithData(op, c.backoff(ctx))
}

func (c *Client) send(ctx context.Context, method, endpoint string, encoded []byte) ([]byte, error) {
	var reqBody io.Reader
	if encoded != nil {
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if encoded != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) backoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBaseDelay
	b.MaxInterval = c.retryMaxDelay
	b.MaxElapsedTime = 0
	retries := 0
	if c.retryAttempts > 1 {
		retries = c.retryAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
