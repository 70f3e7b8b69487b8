package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/felipepmaragno/foundry-gateway/internal/auth"
	"github.com/felipepmaragno/foundry-gateway/internal/domain"
	"github.com/felipepmaragno/foundry-gateway/internal/endpoint"
	"github.com/felipepmaragno/foundry-gateway/internal/httputil"
)

// ContentSafety calls the Azure AI Content Safety text:analyze operation.
type ContentSafety struct {
	cfg    domain.ModerationConfig
	auth   *auth.Authenticator
	client *http.Client
}

func NewContentSafety(cfg domain.ModerationConfig, authenticator *auth.Authenticator, client *http.Client) *ContentSafety {
	if cfg.APIVersion == "" {
		cfg.APIVersion = domain.DefaultModerationAPIVersion
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = domain.DefaultModerationThreshold
	}
	return &ContentSafety{
		cfg:    cfg,
		auth:   authenticator,
		client: client,
	}
}

func (c *ContentSafety) Threshold() int {
	return c.cfg.Threshold
}

type analyzeRequest struct {
	Text       string            `json:"text"`
	Categories []domain.Category `json:"categories"`
	OutputType string            `json:"outputType"`
}

type analyzeResponse struct {
	CategoriesAnalysis []categoryAnalysis `json:"categoriesAnalysis"`
}

type categoryAnalysis struct {
	Category domain.Category `json:"category"`
	Severity *int            `json:"severity"`
}

func (c *ContentSafety) Evaluate(ctx context.Context, text string) (domain.Verdict, error) {
	base, err := endpoint.Validate(c.cfg.Endpoint)
	if err != nil {
		return domain.Verdict{}, err
	}

	body, err := json.Marshal(analyzeRequest{
		Text:       text,
		Categories: domain.Categories,
		OutputType: "FourSeverityLevels",
	})
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("marshal request: %w", err)
	}

	target := base.String() + "/contentsafety/text:analyze?api-version=" + url.QueryEscape(c.cfg.APIVersion)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if _, err := c.auth.Attach(ctx, httpReq, c.cfg.APIKey, base.Hostname()); err != nil {
		return domain.Verdict{}, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return domain.Verdict{}, domain.WrapError(domain.ErrModerationUnavailable, "do request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := httputil.ReadExcerpt(resp.Body)
		slog.Warn("content safety call failed", "status", resp.StatusCode, "body", excerpt)
		return domain.Verdict{}, &domain.GatewayError{
			Kind:   domain.ErrModerationUnavailable,
			Status: resp.StatusCode,
			Body:   excerpt,
		}
	}

	var analysis analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&analysis); err != nil {
		return domain.Verdict{}, domain.WrapError(domain.ErrModerationUnavailable, "decode response", err)
	}

	severities := make(map[domain.Category]int, len(analysis.CategoriesAnalysis))
	for _, a := range analysis.CategoriesAnalysis {
		if a.Severity == nil {
			continue
		}
		severities[a.Category] = *a.Severity
	}

	verdict := Judge(severities, c.cfg.Threshold)

	slog.Info("content safety evaluated prompt",
		"unsafe", !verdict.Safe,
		"hate", severities[domain.CategoryHate],
		"self_harm", severities[domain.CategorySelfHarm],
		"sexual", severities[domain.CategorySexual],
		"violence", severities[domain.CategoryViolence],
	)

	return verdict, nil
}
