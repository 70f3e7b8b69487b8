// Package endpoint validates Azure AI Foundry / Azure OpenAI endpoints.
// The check is pure and cheap, so it runs before every outbound call.
package endpoint

import (
	"net/url"
	"strings"

	"github.com/felipepmaragno/foundry-gateway/internal/domain"
)

const (
	SuffixWorkspace    = ".cognitiveservices.azure.com"
	SuffixNewWorkspace = ".services.ai.azure.com"
	SuffixRegional     = ".api.cognitive.microsoft.com"
)

var allowedSuffixes = []string{
	SuffixWorkspace,
	SuffixNewWorkspace,
	SuffixRegional,
}

// Validate parses raw and enforces an absolute https URL on an allow-listed
// Azure host. The returned URL has no trailing slash in its path.
func Validate(raw string) (*url.URL, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return nil, domain.NewError(domain.ErrInvalidEndpoint, "endpoint is empty")
	}

	u, err := url.Parse(trimmed)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, domain.WrapError(domain.ErrInvalidEndpoint,
			"endpoint is not a valid absolute URI. Example: https://<foundry-resource-name>.cognitiveservices.azure.com", err)
	}

	if !strings.EqualFold(u.Scheme, "https") {
		return nil, domain.NewError(domain.ErrInvalidEndpoint, "endpoint must use HTTPS")
	}

	if !isAllowedHost(u.Hostname()) {
		return nil, domain.NewError(domain.ErrInvalidEndpoint,
			"endpoint must be an Azure endpoint (cognitiveservices.azure.com, services.ai.azure.com, or api.cognitive.microsoft.com)")
	}

	return u, nil
}

// IsRegional reports whether host is a regional, key-only endpoint.
func IsRegional(host string) bool {
	return strings.HasSuffix(strings.ToLower(host), SuffixRegional)
}

func isAllowedHost(host string) bool {
	host = strings.ToLower(host)
	for _, suffix := range allowedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
