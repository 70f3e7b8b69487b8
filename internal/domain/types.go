package domain

import "strings"

const (
	DefaultDeployment   = "phi-4-mini-instruct"
	DefaultAPIVersion   = "2024-05-01-preview"
	DefaultTemperature  = 0.7
	DefaultMaxTokens    = 400
	DefaultSystemPrompt = "You are a helpful assistant for the Zava Storefront. Keep responses concise and focused on products and pricing."

	DefaultModerationAPIVersion = "2023-10-01"
	DefaultModerationThreshold  = 2
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GatewayConfig is resolved once per process and never mutated; a changed
// configuration means a new gateway.
type GatewayConfig struct {
	Endpoint     string
	APIKey       string
	Deployment   string
	APIVersion   string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

func (c GatewayConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return NewError(ErrConfigurationMissing, "AZURE_FOUNDRY_ENDPOINT / Foundry:Endpoint is not configured")
	}
	if strings.TrimSpace(c.Deployment) == "" {
		return NewError(ErrConfigurationMissing, "AZURE_FOUNDRY_DEPLOYMENT / Foundry:DeploymentName is not configured")
	}
	return nil
}

func (c GatewayConfig) HasAPIKey() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

type ModerationConfig struct {
	Enabled    bool
	Endpoint   string
	APIKey     string
	APIVersion string
	Threshold  int
}

type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id,omitempty"`
	Object  string   `json:"object,omitempty"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Category string

const (
	CategoryHate     Category = "Hate"
	CategorySelfHarm Category = "SelfHarm"
	CategorySexual   Category = "Sexual"
	CategoryViolence Category = "Violence"
)

// Categories is the fixed set every prompt is classified against.
var Categories = []Category{CategoryHate, CategorySelfHarm, CategorySexual, CategoryViolence}

type Verdict struct {
	Safe       bool             `json:"safe"`
	Severities map[Category]int `json:"severities,omitempty"`
}

// Reply is the full result of a gateway call. Rejected replies carry the
// deflection text and never reached the completion endpoint.
type Reply struct {
	Text       string
	Rejected   bool
	Verdict    Verdict
	Usage      *Usage
	Deployment string
}
