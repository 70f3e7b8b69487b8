package foundry

import (
	"encoding/json"
	"strings"

	"github.com/felipepmaragno/foundry-gateway/internal/domain"
)

type Completion struct {
	Content      string
	Model        string
	FinishReason string
	Usage        *domain.Usage
}

// Decode extracts the first choice's message from a completion body.
func Decode(body []byte) (*Completion, error) {
	var resp domain.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.WrapError(domain.ErrMalformedResponse, "decode response", err)
	}

	if len(resp.Choices) == 0 {
		return nil, domain.NewError(domain.ErrMalformedResponse, "response has no choices")
	}

	first := resp.Choices[0]
	if first.Message == nil {
		return nil, domain.NewError(domain.ErrMalformedResponse, "first choice has no message")
	}

	content := strings.TrimSpace(first.Message.Content)
	if content == "" {
		return nil, domain.NewError(domain.ErrMalformedResponse, "first choice has empty content")
	}

	return &Completion{
		Content:      content,
		Model:        resp.Model,
		FinishReason: first.FinishReason,
		Usage:        resp.Usage,
	}, nil
}
