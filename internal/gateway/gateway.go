// Package gateway turns a user prompt into a single assistant reply from an
// Azure AI Foundry chat deployment.
//
// A call runs these steps in order, stopping at the first failure:
//
//  1. Reject blank prompts without touching the network.
//  2. Check the configuration and endpoint shape.
//  3. Ask the moderator about the prompt. Unsafe prompts get the deflection
//     reply and never reach the completion endpoint.
//  4. Request the completion.
//
// Every failure is a *domain.GatewayError whose Kind is one of the domain
// sentinels, so callers branch with errors.Is.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/felipepmaragno/foundry-gateway/internal/domain"
	"github.com/felipepmaragno/foundry-gateway/internal/endpoint"
	"github.com/felipepmaragno/foundry-gateway/internal/metrics"
	"github.com/felipepmaragno/foundry-gateway/internal/moderation"
	"github.com/felipepmaragno/foundry-gateway/internal/provider/foundry"
	"github.com/felipepmaragno/foundry-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDeflection is the reply given in place of a rejected prompt.
const DefaultDeflection = "Sorry, I can’t help with that request."

// Completer requests one chat completion from a Foundry deployment.
type Completer interface {
	Complete(ctx context.Context, cfg domain.GatewayConfig, prompt string, history []domain.Message) (*foundry.Completion, error)
}

// Gateway is safe for concurrent use once built.
type Gateway struct {
	cfg            domain.GatewayConfig
	client         Completer
	moderator      moderation.Moderator
	deflection     string
	rejectionError bool
}

// Option configures a Gateway in New.
type Option func(*Gateway)

// WithModerator screens prompts before completion. A nil moderator leaves
// every prompt safe.
func WithModerator(m moderation.Moderator) Option {
	return func(g *Gateway) {
		if m != nil {
			g.moderator = m
		}
	}
}

// WithDeflection replaces DefaultDeflection. Blank text is ignored.
func WithDeflection(text string) Option {
	return func(g *Gateway) {
		if strings.TrimSpace(text) != "" {
			g.deflection = text
		}
	}
}

// WithRejectionError makes unsafe prompts fail with ErrModerationRejected
// instead of returning the deflection text.
func WithRejectionError() Option {
	return func(g *Gateway) {
		g.rejectionError = true
	}
}

// New never fails. Configuration defects surface on the first call.
func New(cfg domain.GatewayConfig, client Completer, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:        cfg,
		client:     client,
		moderator:  moderation.AlwaysSafe{},
		deflection: DefaultDeflection,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Deployment() string {
	return g.cfg.Deployment
}

// GetReply returns the assistant text for prompt, or the deflection text
// when moderation rejects it.
func (g *Gateway) GetReply(ctx context.Context, prompt string, history []domain.Message) (string, error) {
	reply, err := g.Reply(ctx, prompt, history)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

func (g *Gateway) Reply(ctx context.Context, prompt string, history []domain.Message) (*domain.Reply, error) {
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "gateway.reply")
	defer span.End()

	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	reply, err := g.reply(ctx, prompt, history)

	outcome := domain.Outcome(err)
	if reply != nil && reply.Rejected {
		outcome = "deflected"
	}
	metrics.RecordRequest(g.cfg.Deployment, outcome, time.Since(start).Seconds())
	telemetry.AddOutcomeAttribute(span, outcome)

	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}
	return reply, nil
}

func (g *Gateway) reply(ctx context.Context, prompt string, history []domain.Message) (*domain.Reply, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, domain.NewError(domain.ErrInvalidPrompt, "prompt is empty")
	}

	if err := g.cfg.Validate(); err != nil {
		slog.Error("gateway is not configured", "error", err)
		return nil, err
	}
	base, err := endpoint.Validate(g.cfg.Endpoint)
	if err != nil {
		slog.Error("invalid foundry endpoint", "error", err)
		return nil, err
	}

	span := trace.SpanFromContext(ctx)
	telemetry.AddRequestAttributes(span, g.cfg.Deployment, base.Hostname(), RequestIDFromContext(ctx))

	verdict, err := g.moderator.Evaluate(ctx, prompt)
	if err != nil {
		metrics.RecordVerdict("error")
		return nil, moderationFailure(ctx, err)
	}
	telemetry.AddModerationAttribute(span, verdict.Safe)

	if !verdict.Safe {
		metrics.RecordVerdict("unsafe")
		slog.Info("prompt rejected by moderation",
			"deployment", g.cfg.Deployment,
			"request_id", RequestIDFromContext(ctx),
		)
		if g.rejectionError {
			return nil, &domain.GatewayError{Kind: domain.ErrModerationRejected, Message: g.deflection}
		}
		return &domain.Reply{
			Text:       g.deflection,
			Rejected:   true,
			Verdict:    verdict,
			Deployment: g.cfg.Deployment,
		}, nil
	}
	metrics.RecordVerdict("safe")

	completion, err := g.client.Complete(ctx, g.cfg, prompt, history)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.WrapError(domain.ErrCanceled, "completion", ctx.Err())
		}
		var gerr *domain.GatewayError
		if !errors.As(err, &gerr) {
			err = domain.WrapError(domain.ErrUpstreamHTTP, "completion", err)
		}
		return nil, err
	}

	if completion.Usage != nil {
		metrics.RecordTokens(g.cfg.Deployment, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
		telemetry.AddTokenAttributes(span, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	}

	slog.Debug("chat completion succeeded",
		"deployment", g.cfg.Deployment,
		"request_id", RequestIDFromContext(ctx),
		"model", completion.Model,
	)

	return &domain.Reply{
		Text:       completion.Content,
		Verdict:    verdict,
		Usage:      completion.Usage,
		Deployment: g.cfg.Deployment,
	}, nil
}

// moderationFailure keeps gateway errors raised by the moderator (a bad
// Content Safety endpoint, say) and folds everything else into
// ErrModerationUnavailable.
func moderationFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return domain.WrapError(domain.ErrCanceled, "moderation", ctx.Err())
	}
	var gerr *domain.GatewayError
	if errors.As(err, &gerr) {
		return err
	}
	slog.Warn("moderation failed", "error", err)
	return domain.WrapError(domain.ErrModerationUnavailable, "evaluate prompt", err)
}

// Configured reports whether the completion settings would pass validation.
func (g *Gateway) Configured() bool {
	if g.cfg.Validate() != nil {
		return false
	}
	_, err := endpoint.Validate(g.cfg.Endpoint)
	return err == nil
}
