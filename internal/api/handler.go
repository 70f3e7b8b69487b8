package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/felipepmaragno/foundry-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/foundry-gateway/internal/domain"
	"github.com/felipepmaragno/foundry-gateway/internal/gateway"
	"github.com/felipepmaragno/foundry-gateway/internal/notifications"
	"github.com/felipepmaragno/foundry-gateway/internal/repository"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MaxMessageLength = 1000
	maxBodyBytes     = 64 << 10

	// StatusClientClosedRequest is nginx's code for a caller that went away.
	StatusClientClosedRequest = 499
)

// Replier is the gateway as seen by the HTTP layer.
type Replier interface {
	Reply(ctx context.Context, prompt string, history []domain.Message) (*domain.Reply, error)
	Deployment() string
	Configured() bool
}

type HandlerConfig struct {
	Gateway             Replier
	Breakers            *circuitbreaker.Manager
	Calls               repository.CallRepository
	Notifier            notifications.Notifier
	ClientKey           *ClientKeyAuth
	Checkers            []HealthChecker
	ReadyTimeout        time.Duration
	ModerationThreshold int
}

type Handler struct {
	gateway   Replier
	breakers  *circuitbreaker.Manager
	calls     repository.CallRepository
	notifier  notifications.Notifier
	threshold int
	mux       *http.ServeMux
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Message string        `json:"message"`
	History []ChatMessage `json:"history,omitempty"`
}

type ChatResponse struct {
	Reply     string `json:"reply"`
	RequestID string `json:"request_id"`
}

func NewHandler(cfg HandlerConfig) *Handler {
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = 5 * time.Second
	}
	threshold := cfg.ModerationThreshold
	if threshold == 0 {
		threshold = domain.DefaultModerationThreshold
	}

	h := &Handler{
		gateway:   cfg.Gateway,
		breakers:  cfg.Breakers,
		calls:     cfg.Calls,
		notifier:  cfg.Notifier,
		threshold: threshold,
		mux:       http.NewServeMux(),
	}

	protect := func(next http.HandlerFunc) http.Handler {
		if cfg.ClientKey == nil {
			return next
		}
		return cfg.ClientKey.Require(next)
	}

	h.mux.Handle("POST /api/chat", protect(h.handleChat))
	h.mux.Handle("GET /api/chat/status", protect(h.handleStatus))
	h.mux.Handle("GET /api/calls", protect(h.handleRecentCalls))
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, readyTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	ctx := gateway.WithRequestID(r.Context(), requestID)
	deployment := h.gateway.Deployment()

	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeError(w, http.StatusBadRequest, "message cannot be empty")
		return
	}
	if utf8.RuneCountInString(message) > MaxMessageLength {
		writeError(w, http.StatusBadRequest, "messages must be "+strconv.Itoa(MaxMessageLength)+" characters or fewer")
		return
	}

	if h.breakers != nil {
		if err := h.breakers.Allow(ctx, deployment); err != nil {
			slog.Warn("circuit breaker open", "deployment", deployment, "request_id", requestID)
			h.record(ctx, requestID, deployment, start, nil, err)
			status, message := statusFor(err)
			writeError(w, status, message)
			return
		}
	}

	history := make([]domain.Message, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, domain.Message{Role: m.Role, Content: m.Content})
	}

	reply, err := h.gateway.Reply(ctx, message, history)

	// Deflected prompts never reach the completion endpoint.
	if h.breakers != nil && (reply == nil || !reply.Rejected) {
		h.breakers.Record(ctx, deployment, err)
	}
	h.record(ctx, requestID, deployment, start, reply, err)

	if err != nil {
		h.notifyError(ctx, err, deployment, requestID)

		status, message := statusFor(err)
		logFailure(err, status, deployment, requestID)
		writeError(w, status, message)
		return
	}

	slog.Info("chat request completed",
		"request_id", requestID,
		"deployment", deployment,
		"rejected", reply.Rejected,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ChatResponse{Reply: reply.Text, RequestID: requestID})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"configured": h.gateway.Configured(),
		"deployment": h.gateway.Deployment(),
	}
	if h.breakers != nil {
		status["circuit_breakers"] = h.breakers.States()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *Handler) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	if h.calls == nil {
		writeError(w, http.StatusNotFound, "call records are not enabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	records, err := h.calls.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list call records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list call records")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"calls": records,
		"count": len(records),
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) record(ctx context.Context, requestID, deployment string, start time.Time, reply *domain.Reply, err error) {
	if h.calls == nil {
		return
	}

	rec := repository.CallRecord{
		RequestID:  requestID,
		Deployment: deployment,
		Outcome:    domain.Outcome(err),
		LatencyMs:  time.Since(start).Milliseconds(),
		CreatedAt:  time.Now(),
	}

	var gerr *domain.GatewayError
	if errors.As(err, &gerr) {
		rec.Status = gerr.Status
	}

	if reply != nil {
		rec.Rejected = reply.Rejected
		if reply.Rejected {
			rec.Outcome = "deflected"
			rec.FlaggedCategories = repository.FlaggedCategories(reply.Verdict, h.threshold)
		}
		if reply.Usage != nil {
			rec.PromptTokens = reply.Usage.PromptTokens
			rec.CompletionTokens = reply.Usage.CompletionTokens
		}
	}

	if err := h.calls.Record(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("failed to record call", "error", err, "request_id", requestID)
	}
}

func (h *Handler) notifyError(ctx context.Context, err error, deployment, requestID string) {
	if h.notifier == nil {
		return
	}
	n, ok := notifications.ForError(err, deployment, requestID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := h.notifier.Send(ctx, n); err != nil {
		slog.Warn("failed to send notification", "error", err, "type", n.Type)
	}
}

// statusFor maps a gateway failure to the status and message shown to the
// caller. Upstream bodies and hints stay in the logs.
func statusFor(err error) (int, string) {
	switch domain.KindOf(err) {
	case domain.ErrInvalidPrompt:
		return http.StatusBadRequest, "message cannot be empty"
	case domain.ErrConfigurationMissing, domain.ErrInvalidEndpoint, domain.ErrUnsupportedAuth:
		return http.StatusServiceUnavailable, "chat service is not configured"
	case domain.ErrCircuitBreakerOpen:
		return http.StatusServiceUnavailable, "chat service is temporarily unavailable"
	case domain.ErrModerationRejected:
		return http.StatusUnprocessableEntity, "message was rejected by content moderation"
	case domain.ErrModerationUnavailable:
		return http.StatusBadGateway, "content moderation is unavailable"
	case domain.ErrUpstreamHTTP, domain.ErrMalformedResponse:
		return http.StatusBadGateway, "an error occurred while processing your request. Please try again."
	case domain.ErrCanceled:
		return StatusClientClosedRequest, "request canceled"
	}
	return http.StatusInternalServerError, "internal error"
}

func logFailure(err error, status int, deployment, requestID string) {
	attrs := []any{
		"error", err,
		"status", status,
		"deployment", deployment,
		"request_id", requestID,
	}

	switch domain.KindOf(err) {
	case domain.ErrInvalidPrompt, domain.ErrCanceled:
		slog.Info("chat request failed", attrs...)
	case domain.ErrConfigurationMissing, domain.ErrInvalidEndpoint, domain.ErrUnsupportedAuth:
		slog.Error("chat request failed", attrs...)
	default:
		slog.Warn("chat request failed", attrs...)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
