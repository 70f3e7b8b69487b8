// Package auth attaches credentials to outbound Azure requests.
//
// Two strategies exist:
//   - StaticKey: a shared secret sent in a provider-specific header. Works for
//     every allow-listed host and is the usual local-development mode.
//   - BearerToken: an Entra ID token for the cognitiveservices audience.
//     Regional (*.api.cognitive.microsoft.com) hosts reject it.
//
// The strategy is picked per call by SelectMode, a pure function of whether a
// key is configured and the endpoint host.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/felipepmaragno/foundry-gateway/internal/domain"
	"github.com/felipepmaragno/foundry-gateway/internal/endpoint"
)

const (
	CognitiveServicesScope = "https://cognitiveservices.azure.com/.default"

	HeaderAPIKey       = "api-key"
	HeaderSubscription = "Ocp-Apim-Subscription-Key"
)

type Mode int

const (
	ModeStaticKey Mode = iota
	ModeBearerToken
)

func (m Mode) String() string {
	switch m {
	case ModeStaticKey:
		return "static_key"
	case ModeBearerToken:
		return "bearer_token"
	default:
		return "unknown"
	}
}

// SelectMode decides how a request to host is authenticated.
func SelectMode(keyPresent bool, host string) (Mode, error) {
	if keyPresent {
		return ModeStaticKey, nil
	}
	if endpoint.IsRegional(host) {
		return 0, domain.NewError(domain.ErrUnsupportedAuth,
			"the regional cognitive endpoint requires an API key. To use managed identity, configure a workspace endpoint (e.g., https://<name>.cognitiveservices.azure.com or https://<name>.services.ai.azure.com)")
	}
	return ModeBearerToken, nil
}

// Authenticator is safe for concurrent use as long as Credential is.
type Authenticator struct {
	KeyHeader  string
	Credential azcore.TokenCredential
	Scope      string
}

func New(keyHeader string, credential azcore.TokenCredential) *Authenticator {
	return &Authenticator{
		KeyHeader:  keyHeader,
		Credential: credential,
		Scope:      CognitiveServicesScope,
	}
}

// Attach sets the authentication header on req and returns the mode used.
// Tokens are fetched on every call; caching is the credential's job.
func (a *Authenticator) Attach(ctx context.Context, req *http.Request, apiKey, host string) (Mode, error) {
	apiKey = strings.TrimSpace(apiKey)

	mode, err := SelectMode(apiKey != "", host)
	if err != nil {
		return mode, err
	}

	if mode == ModeStaticKey {
		slog.Debug("using API key authentication", "host", host)
		req.Header.Set(a.KeyHeader, apiKey)
		return mode, nil
	}

	if a.Credential == nil {
		return mode, domain.NewError(domain.ErrConfigurationMissing, "no API key and no token credential configured")
	}

	slog.Debug("using managed identity authentication", "host", host)

	token, err := a.Credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{a.Scope}})
	if err != nil {
		return mode, fmt.Errorf("get token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token.Token)
	return mode, nil
}

// LazyCredential defers building the default Azure credential chain until the
// first bearer-mode call, so key-only deployments need no identity setup.
type LazyCredential struct {
	once sync.Once
	cred azcore.TokenCredential
	err  error
	new  func() (azcore.TokenCredential, error)
}

func NewDefaultCredential() *LazyCredential {
	return &LazyCredential{
		new: func() (azcore.TokenCredential, error) {
			return azidentity.NewDefaultAzureCredential(nil)
		},
	}
}

func (c *LazyCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	c.once.Do(func() {
		c.cred, c.err = c.new()
	})
	if c.err != nil {
		return azcore.AccessToken{}, fmt.Errorf("create default azure credential: %w", c.err)
	}
	return c.cred.GetToken(ctx, opts)
}
