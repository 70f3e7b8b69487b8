package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/felipepmaragno/foundry-gateway/internal/auth"
	"github.com/felipepmaragno/foundry-gateway/internal/domain"
	"github.com/felipepmaragno/foundry-gateway/internal/moderation"
	"github.com/felipepmaragno/foundry-gateway/internal/provider/foundry"
	"github.com/felipepmaragno/foundry-gateway/internal/testutil"
)

type mockCompleter struct {
	CompleteFunc func(ctx context.Context, cfg domain.GatewayConfig, prompt string, history []domain.Message) (*foundry.Completion, error)
	calls        atomic.Int32
}

func (m *mockCompleter) Complete(ctx context.Context, cfg domain.GatewayConfig, prompt string, history []domain.Message) (*foundry.Completion, error) {
	m.calls.Add(1)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, cfg, prompt, history)
	}
	return &foundry.Completion{Content: "ok"}, nil
}

type mockModerator struct {
	EvaluateFunc func(ctx context.Context, text string) (domain.Verdict, error)
	calls        atomic.Int32
}

func (m *mockModerator) Evaluate(ctx context.Context, text string) (domain.Verdict, error) {
	m.calls.Add(1)
	if m.EvaluateFunc != nil {
		return m.EvaluateFunc(ctx, text)
	}
	return domain.Verdict{Safe: true}, nil
}

func validConfig() domain.GatewayConfig {
	return domain.GatewayConfig{
		Endpoint:     testutil.WorkspaceEndpoint,
		APIKey:       "k",
		Deployment:   domain.DefaultDeployment,
		APIVersion:   domain.DefaultAPIVersion,
		Temperature:  domain.DefaultTemperature,
		MaxTokens:    domain.DefaultMaxTokens,
		SystemPrompt: domain.DefaultSystemPrompt,
	}
}

func unsafeModerator() *mockModerator {
	return &mockModerator{
		EvaluateFunc: func(ctx context.Context, text string) (domain.Verdict, error) {
			return moderation.Judge(map[domain.Category]int{domain.CategoryHate: 3}, 2), nil
		},
	}
}

func TestGetReply_InvalidPrompt(t *testing.T) {
	for _, prompt := range []string{"", "   ", "\n\t"} {
		completer := &mockCompleter{}
		mod := &mockModerator{}
		g := New(validConfig(), completer, WithModerator(mod))

		_, err := g.GetReply(context.Background(), prompt, nil)
		if !errors.Is(err, domain.ErrInvalidPrompt) {
			t.Errorf("GetReply(%q) error = %v, want ErrInvalidPrompt", prompt, err)
		}
		if completer.calls.Load() != 0 || mod.calls.Load() != 0 {
			t.Errorf("GetReply(%q) made network calls", prompt)
		}
	}
}

func TestGetReply_ConfigurationDefects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*domain.GatewayConfig)
		wantErr error
	}{
		{"missing endpoint", func(c *domain.GatewayConfig) { c.Endpoint = "" }, domain.ErrConfigurationMissing},
		{"missing deployment", func(c *domain.GatewayConfig) { c.Deployment = " " }, domain.ErrConfigurationMissing},
		{"http scheme", func(c *domain.GatewayConfig) { c.Endpoint = "http://zava.cognitiveservices.azure.com" }, domain.ErrInvalidEndpoint},
		{"foreign host", func(c *domain.GatewayConfig) { c.Endpoint = "https://example.com" }, domain.ErrInvalidEndpoint},
		{"relative", func(c *domain.GatewayConfig) { c.Endpoint = "zava.cognitiveservices.azure.com" }, domain.ErrInvalidEndpoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			completer := &mockCompleter{}
			mod := unsafeModerator()

			_, err := New(cfg, completer, WithModerator(mod)).GetReply(context.Background(), "hello", nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GetReply() error = %v, want %v", err, tt.wantErr)
			}
			if completer.calls.Load() != 0 || mod.calls.Load() != 0 {
				t.Error("configuration defects must fail before moderation and completion")
			}
		})
	}
}

func TestGetReply_UnsafePromptDeflected(t *testing.T) {
	completer := &mockCompleter{}
	g := New(validConfig(), completer, WithModerator(unsafeModerator()))

	reply, err := g.GetReply(context.Background(), "something hateful", nil)
	if err != nil {
		t.Fatalf("GetReply() error = %v", err)
	}
	if reply != DefaultDeflection {
		t.Errorf("reply = %q, want deflection", reply)
	}
	if completer.calls.Load() != 0 {
		t.Errorf("completion calls = %d, want 0", completer.calls.Load())
	}
}

func TestReply_RejectedFlag(t *testing.T) {
	g := New(validConfig(), &mockCompleter{}, WithModerator(unsafeModerator()), WithDeflection("Let's talk about our products instead."))

	reply, err := g.Reply(context.Background(), "something hateful", nil)
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if !reply.Rejected {
		t.Error("Rejected should be true")
	}
	if reply.Text != "Let's talk about our products instead." {
		t.Errorf("Text = %q", reply.Text)
	}
	if reply.Verdict.Severities[domain.CategoryHate] != 3 {
		t.Errorf("Verdict = %+v", reply.Verdict)
	}
}

func TestGetReply_RejectionError(t *testing.T) {
	completer := &mockCompleter{}
	g := New(validConfig(), completer, WithModerator(unsafeModerator()), WithRejectionError())

	_, err := g.GetReply(context.Background(), "something hateful", nil)
	if !errors.Is(err, domain.ErrModerationRejected) {
		t.Fatalf("GetReply() error = %v, want ErrModerationRejected", err)
	}
	if completer.calls.Load() != 0 {
		t.Error("rejected prompt must not reach completion")
	}
}

func TestGetReply_ModerationUnavailable(t *testing.T) {
	completer := &mockCompleter{}
	mod := &mockModerator{
		EvaluateFunc: func(ctx context.Context, text string) (domain.Verdict, error) {
			return domain.Verdict{}, errors.New("connection refused")
		},
	}

	_, err := New(validConfig(), completer, WithModerator(mod)).GetReply(context.Background(), "hello", nil)
	if !errors.Is(err, domain.ErrModerationUnavailable) {
		t.Fatalf("GetReply() error = %v, want ErrModerationUnavailable", err)
	}
	if errors.Is(err, domain.ErrUpstreamHTTP) {
		t.Error("moderation failure must be distinguishable from a completion failure")
	}
	if completer.calls.Load() != 0 {
		t.Error("completion should not run when moderation fails")
	}
}

func TestGetReply_ModeratorGatewayErrorKept(t *testing.T) {
	mod := &mockModerator{
		EvaluateFunc: func(ctx context.Context, text string) (domain.Verdict, error) {
			return domain.Verdict{}, domain.NewError(domain.ErrInvalidEndpoint, "endpoint must use HTTPS")
		},
	}

	_, err := New(validConfig(), &mockCompleter{}, WithModerator(mod)).GetReply(context.Background(), "hello", nil)
	if !errors.Is(err, domain.ErrInvalidEndpoint) {
		t.Fatalf("GetReply() error = %v, want ErrInvalidEndpoint", err)
	}
}

func TestGetReply_Canceled(t *testing.T) {
	t.Run("during moderation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		mod := &mockModerator{
			EvaluateFunc: func(ctx context.Context, text string) (domain.Verdict, error) {
				cancel()
				return domain.Verdict{}, ctx.Err()
			},
		}

		_, err := New(validConfig(), &mockCompleter{}, WithModerator(mod)).GetReply(ctx, "hello", nil)
		if !errors.Is(err, domain.ErrCanceled) {
			t.Fatalf("GetReply() error = %v, want ErrCanceled", err)
		}
	})

	t.Run("during completion", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		completer := &mockCompleter{
			CompleteFunc: func(ctx context.Context, cfg domain.GatewayConfig, prompt string, history []domain.Message) (*foundry.Completion, error) {
				cancel()
				return nil, domain.WrapError(domain.ErrUpstreamHTTP, "do request", ctx.Err())
			},
		}

		_, err := New(validConfig(), completer).GetReply(ctx, "hello", nil)
		if !errors.Is(err, domain.ErrCanceled) {
			t.Fatalf("GetReply() error = %v, want ErrCanceled", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("GetReply() error = %v, want wrapped context.Canceled", err)
		}
	})
}

func TestGetReply_CompletionErrorPassesThrough(t *testing.T) {
	upstream := &domain.GatewayError{Kind: domain.ErrUpstreamHTTP, Status: 429, Body: "rate limited"}
	completer := &mockCompleter{
		CompleteFunc: func(ctx context.Context, cfg domain.GatewayConfig, prompt string, history []domain.Message) (*foundry.Completion, error) {
			return nil, upstream
		},
	}

	_, err := New(validConfig(), completer).GetReply(context.Background(), "hello", nil)
	var gerr *domain.GatewayError
	if !errors.As(err, &gerr) || gerr.Status != 429 {
		t.Fatalf("GetReply() error = %v, want status 429", err)
	}
}

func TestGetReply_UntypedCompletionErrorWrapped(t *testing.T) {
	completer := &mockCompleter{
		CompleteFunc: func(ctx context.Context, cfg domain.GatewayConfig, prompt string, history []domain.Message) (*foundry.Completion, error) {
			return nil, errors.New("get token: imds unreachable")
		},
	}

	_, err := New(validConfig(), completer).GetReply(context.Background(), "hello", nil)
	if domain.KindOf(err) == nil {
		t.Fatalf("GetReply() error = %v, want a typed gateway error", err)
	}
}

func TestGetReply_PassesTrimmedPromptAndHistory(t *testing.T) {
	var gotPrompt string
	var gotHistory []domain.Message
	completer := &mockCompleter{
		CompleteFunc: func(ctx context.Context, cfg domain.GatewayConfig, prompt string, history []domain.Message) (*foundry.Completion, error) {
			gotPrompt, gotHistory = prompt, history
			return &foundry.Completion{Content: "We ship worldwide."}, nil
		},
	}
	history := []domain.Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}

	reply, err := New(validConfig(), completer).GetReply(context.Background(), "  Do you ship abroad?  ", history)
	if err != nil {
		t.Fatalf("GetReply() error = %v", err)
	}
	if reply != "We ship worldwide." {
		t.Errorf("reply = %q", reply)
	}
	if gotPrompt != "Do you ship abroad?" {
		t.Errorf("prompt = %q", gotPrompt)
	}
	if len(gotHistory) != 2 {
		t.Errorf("history = %+v", gotHistory)
	}
}

func TestRequestIDContext(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("RequestIDFromContext() = %q, want empty", got)
	}
	ctx := WithRequestID(context.Background(), "req-123")
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Errorf("RequestIDFromContext() = %q, want req-123", got)
	}
}

// The tests below run the real completion and Content Safety clients against
// a local TLS server standing in for Azure.

func newAzureGateway(t *testing.T, cfg domain.GatewayConfig, h http.Handler, opts ...Option) *Gateway {
	t.Helper()
	_, client := testutil.NewAzureServer(t, h)
	completer := foundry.New(client, auth.New(auth.HeaderAPIKey, nil))
	return New(cfg, completer, opts...)
}

func TestGateway_EndToEndSuccess(t *testing.T) {
	g := newAzureGateway(t, validConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"  30 days.  "}}]}`))
	}))

	reply, err := g.GetReply(context.Background(), "What is the return window?", nil)
	if err != nil {
		t.Fatalf("GetReply() error = %v", err)
	}
	if reply != "30 days." {
		t.Errorf("reply = %q, want %q", reply, "30 days.")
	}
}

func TestGateway_EndToEndNotFound(t *testing.T) {
	g := newAzureGateway(t, validConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"deployment not found"}`))
	}))

	_, err := g.GetReply(context.Background(), "hello", nil)
	var gerr *domain.GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("GetReply() error = %v, want *domain.GatewayError", err)
	}
	if gerr.Kind != domain.ErrUpstreamHTTP || gerr.Status != http.StatusNotFound || gerr.Hint == "" {
		t.Errorf("error = %+v, want upstream 404 with hint", gerr)
	}
}

func TestGateway_EndToEndMalformed(t *testing.T) {
	g := newAzureGateway(t, validConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))

	_, err := g.GetReply(context.Background(), "hello", nil)
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("GetReply() error = %v, want ErrMalformedResponse", err)
	}
}

func TestGateway_EndToEndRegionalWithoutKey(t *testing.T) {
	cfg := validConfig()
	cfg.Endpoint = testutil.RegionalEndpoint
	cfg.APIKey = ""

	var calls atomic.Int32
	g := newAzureGateway(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))

	_, err := g.GetReply(context.Background(), "hello", nil)
	if !errors.Is(err, domain.ErrUnsupportedAuth) {
		t.Fatalf("GetReply() error = %v, want ErrUnsupportedAuth", err)
	}
	if calls.Load() != 0 {
		t.Errorf("server calls = %d, want 0", calls.Load())
	}
}

func TestGateway_EndToEndModeration(t *testing.T) {
	var completions atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/contentsafety/text:analyze", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		hate := 0
		if strings.Contains(req.Text, "hateful") {
			hate = 3
		}
		json.NewEncoder(w).Encode(map[string]any{
			"categoriesAnalysis": []map[string]any{
				{"category": "Hate", "severity": hate},
				{"category": "SelfHarm", "severity": 0},
				{"category": "Sexual", "severity": 0},
				{"category": "Violence", "severity": 0},
			},
		})
	})
	mux.HandleFunc("/openai/deployments/", func(w http.ResponseWriter, r *http.Request) {
		completions.Add(1)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Our jackets start at $49."}}]}`))
	})

	_, client := testutil.NewAzureServer(t, mux)
	cs := moderation.NewContentSafety(domain.ModerationConfig{
		Enabled:  true,
		Endpoint: testutil.ModerationEndpoint,
		APIKey:   "cs-key",
	}, auth.New(auth.HeaderSubscription, nil), client)
	g := New(validConfig(), foundry.New(client, auth.New(auth.HeaderAPIKey, nil)), WithModerator(cs))

	reply, err := g.GetReply(context.Background(), "something hateful", nil)
	if err != nil {
		t.Fatalf("GetReply() error = %v", err)
	}
	if reply != DefaultDeflection {
		t.Errorf("reply = %q, want deflection", reply)
	}
	if completions.Load() != 0 {
		t.Errorf("completions = %d, want 0", completions.Load())
	}

	reply, err = g.GetReply(context.Background(), "How much are jackets?", nil)
	if err != nil {
		t.Fatalf("GetReply() error = %v", err)
	}
	if reply != "Our jackets start at $49." {
		t.Errorf("reply = %q", reply)
	}
	if completions.Load() != 1 {
		t.Errorf("completions = %d, want 1", completions.Load())
	}
}

func TestConfigured(t *testing.T) {
	if !New(validConfig(), &mockCompleter{}).Configured() {
		t.Error("valid config should be configured")
	}

	cfg := validConfig()
	cfg.Endpoint = "https://example.com"
	if New(cfg, &mockCompleter{}).Configured() {
		t.Error("foreign endpoint should not be configured")
	}

	if New(domain.GatewayConfig{}, &mockCompleter{}).Configured() {
		t.Error("empty config should not be configured")
	}
}
