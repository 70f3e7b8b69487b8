// Package testutil provides fakes shared by package tests.
package testutil

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	WorkspaceEndpoint  = "https://zava.cognitiveservices.azure.com"
	RegionalEndpoint   = "https://eastus.api.cognitive.microsoft.com"
	ModerationEndpoint = "https://zava-safety.cognitiveservices.azure.com"
)

// NewAzureServer starts a TLS server running h and returns a client that
// dials it for every host, so allow-listed Azure endpoints resolve locally.
func NewAzureServer(t testing.TB, h http.Handler) (*httptest.Server, *http.Client) {
	t.Helper()

	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)

	addr := srv.Listener.Addr().String()
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // test server
		},
	}

	return srv, client
}
