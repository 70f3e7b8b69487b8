// Package foundry talks to the Azure AI Foundry chat completions API.
package foundry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/felipepmaragno/foundry-gateway/internal/auth"
	"github.com/felipepmaragno/foundry-gateway/internal/domain"
	"github.com/felipepmaragno/foundry-gateway/internal/endpoint"
	"github.com/felipepmaragno/foundry-gateway/internal/httputil"
	"github.com/felipepmaragno/foundry-gateway/internal/metrics"
)

const DefaultTimeout = 30 * time.Second

// Client calls the chat completions route of a workspace or regional endpoint.
type Client struct {
	httpClient *http.Client
	auth       *auth.Authenticator
	hints      bool
	timeout    time.Duration
}

// Option configures a Client in New.
type Option func(*Client)

// WithNotFoundHints toggles the remediation hint attached to 404 responses.
func WithNotFoundHints(enabled bool) Option {
	return func(c *Client) {
		c.hints = enabled
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New builds a Client. A nil httpClient gets the default transport.
func New(httpClient *http.Client, authenticator *auth.Authenticator, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = httputil.NewClient(httputil.DefaultConfig())
	}
	c := &Client{
		httpClient: httpClient,
		auth:       authenticator,
		hints:      true,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends one non-streaming chat completion. The caller is expected to
// have validated cfg and the prompt; the endpoint is parsed again here because
// the URL is needed to build the request.
func (c *Client) Complete(ctx context.Context, cfg domain.GatewayConfig, prompt string, history []domain.Message) (*Completion, error) {
	base, err := endpoint.Validate(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(domain.ChatRequest{
		Messages:    BuildMessages(cfg.SystemPrompt, history, prompt),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := BuildURL(base, cfg.Deployment, cfg.APIVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	mode, err := c.auth.Attach(ctx, httpReq, cfg.APIKey, base.Hostname())
	if err != nil {
		return nil, err
	}
	metrics.RecordAuthMode("completion", mode.String())

	slog.Debug("sending chat completion",
		"deployment", cfg.Deployment,
		"host", base.Hostname(),
		"auth_mode", mode.String(),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.WrapError(domain.ErrUpstreamHTTP, "do request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RecordUpstreamError(cfg.Deployment, resp.StatusCode)
		gerr := &domain.GatewayError{
			Kind:   domain.ErrUpstreamHTTP,
			Status: resp.StatusCode,
			Body:   httputil.ReadExcerpt(resp.Body),
		}
		if resp.StatusCode == http.StatusNotFound && c.hints {
			gerr.Hint = NotFoundHint(cfg.Deployment)
		}
		slog.Warn("chat completion failed",
			"deployment", cfg.Deployment,
			"status", resp.StatusCode,
			"body", gerr.Body,
		)
		return nil, gerr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return Decode(data)
}

// BuildMessages orders the payload as system prompt, accepted history, then
// the user prompt. History entries with roles other than user or assistant
// are dropped.
func BuildMessages(systemPrompt string, history []domain.Message, prompt string) []domain.Message {
	messages := make([]domain.Message, 0, len(history)+2)
	messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: systemPrompt})

	for _, m := range history {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case domain.RoleUser:
			messages = append(messages, domain.Message{Role: domain.RoleUser, Content: m.Content})
		case domain.RoleAssistant:
			messages = append(messages, domain.Message{Role: domain.RoleAssistant, Content: m.Content})
		}
	}

	return append(messages, domain.Message{Role: domain.RoleUser, Content: prompt})
}

func BuildURL(base *url.URL, deployment, apiVersion string) string {
	return strings.TrimRight(base.String(), "/") +
		"/openai/deployments/" + url.PathEscape(deployment) +
		"/chat/completions?api-version=" + url.QueryEscape(apiVersion)
}

func NotFoundHint(deployment string) string {
	return fmt.Sprintf("Confirm the endpoint points to your Foundry workspace (e.g., https://<resource>.cognitiveservices.azure.com) and that deployment '%s' exists and is published.", deployment)
}
