// Package moderation classifies prompts before they reach the completion
// endpoint. A prompt is unsafe when any harm category scores at or above the
// configured severity threshold.
package moderation

import (
	"context"

	"github.com/felipepmaragno/foundry-gateway/internal/domain"
)

type Moderator interface {
	Evaluate(ctx context.Context, text string) (domain.Verdict, error)
}

// AlwaysSafe stands in when no moderation service is wired.
type AlwaysSafe struct{}

func (AlwaysSafe) Evaluate(ctx context.Context, text string) (domain.Verdict, error) {
	return domain.Verdict{Safe: true}, nil
}

// Judge turns per-category severities into a verdict.
func Judge(severities map[domain.Category]int, threshold int) domain.Verdict {
	v := domain.Verdict{Safe: true, Severities: severities}
	for _, severity := range severities {
		if severity >= threshold {
			v.Safe = false
		}
	}
	return v
}
