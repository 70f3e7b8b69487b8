package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPrompt         = errors.New("invalid prompt")
	ErrConfigurationMissing  = errors.New("configuration missing")
	ErrInvalidEndpoint       = errors.New("invalid endpoint")
	ErrUnsupportedAuth       = errors.New("unsupported authentication for endpoint")
	ErrModerationRejected    = errors.New("moderation rejected prompt")
	ErrModerationUnavailable = errors.New("moderation service unavailable")
	ErrUpstreamHTTP          = errors.New("upstream http error")
	ErrMalformedResponse     = errors.New("malformed response")
	ErrCanceled              = errors.New("canceled")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
)

// GatewayError is the typed failure returned by the gateway. Kind is one of
// the sentinels above, so callers branch with errors.Is and read the HTTP
// details with errors.As.
type GatewayError struct {
	Kind    error
	Message string
	Status  int
	Body    string
	Hint    string
	Err     error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status=%d", e.Status)
	}
	if e.Body != "" {
		b.WriteString(" body=")
		b.WriteString(e.Body)
	}
	if e.Hint != "" {
		b.WriteString(" hint=")
		b.WriteString(e.Hint)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *GatewayError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewError(kind error, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

func WrapError(kind error, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the sentinel kind of err, or nil when err did not come from
// the gateway.
func KindOf(err error) error {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	for _, kind := range []error{
		ErrInvalidPrompt, ErrConfigurationMissing, ErrInvalidEndpoint, ErrUnsupportedAuth,
		ErrModerationRejected, ErrModerationUnavailable, ErrUpstreamHTTP,
		ErrMalformedResponse, ErrCanceled, ErrCircuitBreakerOpen,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Outcome is a short label for metrics and call records.
func Outcome(err error) string {
	switch KindOf(err) {
	case nil:
		if err != nil {
			return "error"
		}
		return "success"
	case ErrInvalidPrompt:
		return "invalid_prompt"
	case ErrConfigurationMissing:
		return "configuration_missing"
	case ErrInvalidEndpoint:
		return "invalid_endpoint"
	case ErrUnsupportedAuth:
		return "unsupported_auth"
	case ErrModerationRejected:
		return "moderation_rejected"
	case ErrModerationUnavailable:
		return "moderation_unavailable"
	case ErrUpstreamHTTP:
		return "upstream_http_error"
	case ErrMalformedResponse:
		return "malformed_response"
	case ErrCanceled:
		return "canceled"
	case ErrCircuitBreakerOpen:
		return "circuit_open"
	}
	return "error"
}
